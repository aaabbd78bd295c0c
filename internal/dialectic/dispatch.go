package dialectic

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dialectic/api/internal/command"
	"dialectic/api/internal/rbac"
	"dialectic/api/internal/store"
)

const (
	invalidVoteText = "Invalid format. Use: `@bot decision CONFLICT_ID A/B/C reasoning`"
	noPermission    = "You don't have permission to do that."
)

// Reply is the bot's answer to one chat message. An empty Text means the
// bot stays quiet.
type Reply struct {
	Kind       string `json:"kind"`
	Text       string `json:"text,omitempty"`
	ConflictID string `json:"conflictId,omitempty"`
}

// HandleMessage classifies a chat message and runs the matching operation.
// User-facing failures become reply text; only store failures on explicit
// commands are returned as errors. Chat monitoring never fails the caller.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	cmd := command.Classify(msg.Text)
	reply := Reply{Kind: cmd.Kind.String()}
	role := rbac.Normalize(msg.Role)

	switch cmd.Kind {
	case command.KindChat:
		intervention, err := e.MonitorMessage(ctx, msg)
		if err != nil {
			e.logger.Error("monitor message failed", zap.String("group_id", msg.GroupID), zap.Error(err))
			return reply, nil
		}
		if intervention != nil {
			reply.Text = intervention.Text
			reply.ConflictID = intervention.ConflictID
		}
		return reply, nil

	case command.KindMalformedVote:
		reply.Text = invalidVoteText
		return reply, nil

	case command.KindCastVote:
		reply.ConflictID = cmd.ConflictID
		if !rbac.Can(role, rbac.ActionVote) {
			reply.Text = noPermission
			return reply, nil
		}
		receipt, err := e.SubmitVote(ctx, VoteInput{
			ConflictID: cmd.ConflictID,
			UserID:     msg.AuthorID,
			UserName:   msg.AuthorName,
			Option:     cmd.Option,
			Reasoning:  cmd.Reasoning,
		})
		if err != nil {
			return e.rejected(reply, cmd.ConflictID, err)
		}
		reply.Text = receipt.Status
		return reply, nil

	case command.KindStartVote:
		if !rbac.Can(role, rbac.ActionStartVote) {
			reply.Text = noPermission
			return reply, nil
		}
		intervention, err := e.StartManualVote(ctx, ManualVoteInput{
			Question:  cmd.Question,
			GroupID:   msg.GroupID,
			CreatedBy: msg.AuthorID,
		})
		if errors.Is(err, ErrEmptyQuestion) {
			reply.Text = "Usage: `/vote <question>`"
			return reply, nil
		}
		if err != nil {
			return reply, err
		}
		reply.Text = intervention.Text
		reply.ConflictID = intervention.ConflictID
		return reply, nil

	case command.KindVoteStatus:
		reply.ConflictID = cmd.ConflictID
		if cmd.ConflictID == "" {
			reply.Text = "Usage: `/status <CONFLICT_ID>`"
			return reply, nil
		}
		status, err := e.VotingStatus(ctx, cmd.ConflictID)
		if err != nil {
			return e.rejected(reply, cmd.ConflictID, err)
		}
		reply.Text = status.Text
		return reply, nil

	case command.KindEndVote:
		reply.ConflictID = cmd.ConflictID
		if cmd.ConflictID == "" {
			reply.Text = "Usage: `/endvote <CONFLICT_ID>`"
			return reply, nil
		}
		if !rbac.Can(role, rbac.ActionEndVote) {
			reply.Text = noPermission
			return reply, nil
		}
		result, err := e.EndVoting(ctx, cmd.ConflictID)
		if err != nil {
			return e.rejected(reply, cmd.ConflictID, err)
		}
		reply.Text = resultText(result)
		return reply, nil

	case command.KindListDecisions:
		entries, err := e.DecisionLog(ctx, store.InGroup(msg.GroupID), chatDecisions)
		if err != nil {
			return reply, err
		}
		reply.Text = decisionsText(entries)
		return reply, nil

	default:
		return reply, nil
	}
}

// rejected turns validation failures into reply text.
func (e *Engine) rejected(reply Reply, conflictID string, err error) (Reply, error) {
	switch {
	case errors.Is(err, ErrConflictNotFound), errors.Is(err, ErrConflictResolved):
		reply.Text = fmt.Sprintf("Conflict %s not found or already resolved.", conflictID)
	case errors.Is(err, ErrInvalidOption), errors.Is(err, ErrReasoningRequired):
		reply.Text = invalidVoteText
	default:
		return reply, err
	}
	return reply, nil
}
