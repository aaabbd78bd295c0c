package dialectic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dialectic/api/internal/notify"
	"dialectic/api/internal/store"
	"dialectic/api/internal/util"
)

// Resolution triggers, also used as metric labels.
const (
	TriggerEnded   = "ended"
	TriggerExpired = "expired"
)

const (
	manualEvidence = "Manual team vote"
	manualSource   = "Team Decision"
)

type VoteInput struct {
	ConflictID string `json:"conflictId"`
	UserID     string `json:"-"`
	UserName   string `json:"-"`
	Option     string `json:"option"`
	Reasoning  string `json:"reasoning"`
}

type VoteReceipt struct {
	ConflictID string      `json:"conflictId"`
	Option     string      `json:"option"`
	Created    bool        `json:"created"`
	Tally      store.Tally `json:"voteCounts"`
	Status     string      `json:"status"`
}

// Result is how a conflict closed. AlreadyResolved is set when another
// caller closed it first.
type Result struct {
	ConflictID      string      `json:"conflictId"`
	Winner          string      `json:"winner"`
	Tally           store.Tally `json:"voteCounts"`
	Outcome         string      `json:"outcome"`
	DecisionID      int64       `json:"decisionId,omitempty"`
	AlreadyResolved bool        `json:"alreadyResolved"`
}

type ManualVoteInput struct {
	Question  string `json:"question"`
	GroupID   string `json:"groupId"`
	CreatedBy string `json:"-"`
}

type Status struct {
	Conflict       store.Conflict `json:"-"`
	Tally          store.Tally    `json:"voteCounts"`
	HoursRemaining float64        `json:"hoursRemaining"`
	Text           string         `json:"text"`
}

// ConflictView is an open conflict as listed to clients.
type ConflictView struct {
	ConflictID     string            `json:"conflict_id"`
	Kind           string            `json:"kind"`
	Statement      string            `json:"user_statement"`
	Evidence       string            `json:"evidence"`
	Source         string            `json:"source_file"`
	Severity       string            `json:"severity"`
	Reason         string            `json:"reason"`
	VoteCounts     store.Tally       `json:"vote_counts"`
	UserVotes      map[string]string `json:"user_votes"`
	HoursRemaining float64           `json:"hours_remaining"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SubmitVote records or replaces the caller's vote on an open conflict.
func (e *Engine) SubmitVote(ctx context.Context, input VoteInput) (VoteReceipt, error) {
	option := strings.ToUpper(strings.TrimSpace(input.Option))
	if !validOption(option) {
		return VoteReceipt{}, ErrInvalidOption
	}
	reasoning := strings.TrimSpace(input.Reasoning)
	if reasoning == "" {
		return VoteReceipt{}, ErrReasoningRequired
	}
	conflictID := strings.ToUpper(strings.TrimSpace(input.ConflictID))

	created, err := e.store.UpsertVote(ctx, store.Vote{
		ConflictID: conflictID,
		UserID:     input.UserID,
		UserName:   input.UserName,
		Option:     option,
		Reasoning:  reasoning,
	})
	if err != nil {
		return VoteReceipt{}, mapStoreError(err, "record vote")
	}
	e.metrics.RecordVote(option)

	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return VoteReceipt{}, mapStoreError(err, "load conflict")
	}
	tally, err := e.store.TallyVotes(ctx, conflictID)
	if err != nil {
		return VoteReceipt{}, fmt.Errorf("tally votes: %w", err)
	}
	e.broadcast(ctx, notify.EventVotingUpdated, conflict.GroupID, notify.VotingPayload{
		ConflictID: conflictID,
		UserID:     input.UserID,
		Option:     option,
		Tally:      tally,
	})

	return VoteReceipt{
		ConflictID: conflictID,
		Option:     option,
		Created:    created,
		Tally:      tally,
		Status:     voteReceiptText(conflictID, option, created, statusText(conflict, tally, e.now())),
	}, nil
}

// StartManualVote opens a team vote on a free-form question.
func (e *Engine) StartManualVote(ctx context.Context, input ManualVoteInput) (*Intervention, error) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	conflict := store.Conflict{
		ConflictID: util.NewConflictID(util.PrefixManual),
		GroupID:    input.GroupID,
		Kind:       store.KindManual,
		Statement:  question,
		Evidence:   manualEvidence,
		Source:     manualSource,
		Severity:   store.SeverityMedium,
		Reason:     question,
		CreatedBy:  input.CreatedBy,
		ExpiresAt:  e.now().Add(e.opts.ManualWindow),
	}
	if err := e.store.CreateConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("create manual vote: %w", err)
	}
	e.metrics.RecordConflictOpened(conflict.Kind, conflict.Severity)
	e.logger.Info("manual vote started",
		zap.String("conflict_id", conflict.ConflictID),
		zap.String("group_id", conflict.GroupID))

	text := manualVoteText(conflict, e.opts.ManualWindow)
	e.broadcast(ctx, notify.EventNewConflict, conflict.GroupID, conflictPayload(conflict, text))
	return &Intervention{ConflictID: conflict.ConflictID, Text: text, Conflict: conflict}, nil
}

// VotingStatus reports the live tally of a conflict.
func (e *Engine) VotingStatus(ctx context.Context, conflictID string) (Status, error) {
	conflictID = strings.ToUpper(strings.TrimSpace(conflictID))
	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return Status{}, mapStoreError(err, "load conflict")
	}
	tally, err := e.store.TallyVotes(ctx, conflictID)
	if err != nil {
		return Status{}, fmt.Errorf("tally votes: %w", err)
	}
	now := e.now()
	return Status{
		Conflict:       conflict,
		Tally:          tally,
		HoursRemaining: hoursRemaining(conflict.ExpiresAt, now),
		Text:           statusText(conflict, tally, now),
	}, nil
}

// EndVoting closes a conflict now. Closing an already resolved conflict is
// a no-op that reports the stored result.
func (e *Engine) EndVoting(ctx context.Context, conflictID string) (Result, error) {
	return e.closeVoting(ctx, strings.ToUpper(strings.TrimSpace(conflictID)), TriggerEnded)
}

// closeVoting resolves a conflict exactly once. The outcome explanation is
// generated before the row lock is taken and is only used when the locked
// tally still matches the one it was written from.
func (e *Engine) closeVoting(ctx context.Context, conflictID, trigger string) (Result, error) {
	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return Result{}, mapStoreError(err, "load conflict")
	}

	var (
		preTally store.Tally
		drafted  string
	)
	if !conflict.Resolved {
		preTally, err = e.store.TallyVotes(ctx, conflictID)
		if err != nil {
			return Result{}, fmt.Errorf("tally votes: %w", err)
		}
		if preTally.Total() > 0 {
			votes, err := e.store.ListVotes(ctx, conflictID)
			if err != nil {
				e.logger.Warn("list votes for outcome failed", zap.String("conflict_id", conflictID), zap.Error(err))
			}
			drafted = e.explainOutcome(ctx, conflict, preTally, votes)
		}
	}

	resolution, changed, err := e.store.ResolveConflict(ctx, conflictID, func(locked store.Conflict, tally store.Tally) store.Resolution {
		outcome := drafted
		if outcome == "" || tally != preTally {
			if drafted != "" {
				e.logger.Debug("tally moved while drafting outcome", zap.String("conflict_id", conflictID))
			}
			outcome = templateOutcome(tally, trigger)
			if tally.Total() > 0 {
				e.metrics.RecordOutcomeFallback()
			}
		}
		return decide(locked, tally, outcome)
	})
	if err != nil {
		return Result{}, mapStoreError(err, "resolve conflict")
	}

	result := Result{
		ConflictID:      conflictID,
		Winner:          resolution.Winner,
		Tally:           resolution.Tally,
		Outcome:         resolution.Outcome,
		DecisionID:      resolution.Entry.ID,
		AlreadyResolved: !changed,
	}
	if !changed {
		return result, nil
	}

	e.metrics.RecordResolved(trigger, resolution.Tally.Total() > 0)
	e.logger.Info("conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("trigger", trigger),
		zap.String("winner", resolution.Winner),
		zap.Int("votes", resolution.Tally.Total()))
	e.broadcast(ctx, notify.EventConflictResolved, conflict.GroupID, notify.ResolutionPayload{
		ConflictID: conflictID,
		Winner:     resolution.Winner,
		Tally:      resolution.Tally,
		Outcome:    resolution.Outcome,
		DecisionID: resolution.Entry.ID,
	})
	e.broadcast(ctx, notify.EventDecisionsUpdated, conflict.GroupID, notify.DecisionsPayload{Reason: "conflict_resolved"})
	return result, nil
}

// ActiveConflicts lists conflicts in scope that are still open for votes.
func (e *Engine) ActiveConflicts(ctx context.Context, scope store.Scope) ([]ConflictView, error) {
	now := e.now()
	active, err := e.store.ListActiveConflicts(ctx, scope, now)
	if err != nil {
		return nil, fmt.Errorf("list active conflicts: %w", err)
	}
	views := make([]ConflictView, 0, len(active))
	for _, item := range active {
		userVotes := make(map[string]string, len(item.Votes))
		for _, vote := range item.Votes {
			name := vote.UserName
			if name == "" {
				name = vote.UserID
			}
			userVotes[name] = vote.Option
		}
		views = append(views, ConflictView{
			ConflictID:     item.Conflict.ConflictID,
			Kind:           item.Conflict.Kind,
			Statement:      item.Conflict.Statement,
			Evidence:       item.Conflict.Evidence,
			Source:         item.Conflict.Source,
			Severity:       item.Conflict.Severity,
			Reason:         item.Conflict.Reason,
			VoteCounts:     item.Tally,
			UserVotes:      userVotes,
			HoursRemaining: hoursRemaining(item.Conflict.ExpiresAt, now),
			CreatedAt:      item.Conflict.CreatedAt,
		})
	}
	return views, nil
}

func (e *Engine) DecisionLog(ctx context.Context, scope store.Scope, limit int) ([]store.DecisionLogEntry, error) {
	entries, err := e.store.ListDecisionLog(ctx, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("list decision log: %w", err)
	}
	return entries, nil
}

// ClearDecisionLog bulk-deletes the decision history in scope. With
// includeConflicts, resolved conflicts and their votes go too.
func (e *Engine) ClearDecisionLog(ctx context.Context, scope store.Scope, includeConflicts bool) (int64, error) {
	cleared, err := e.store.ClearDecisionLog(ctx, scope, includeConflicts)
	if err != nil {
		return 0, fmt.Errorf("clear decision log: %w", err)
	}
	groupID := scope.GroupID
	e.logger.Warn("decision log cleared",
		zap.String("group_id", groupID),
		zap.Bool("all_groups", scope.AllGroups),
		zap.Bool("include_conflicts", includeConflicts),
		zap.Int64("cleared", cleared))
	e.broadcast(ctx, notify.EventDecisionsUpdated, groupID, notify.DecisionsPayload{Reason: "cleared", Cleared: cleared})
	return cleared, nil
}

func validOption(option string) bool {
	for _, candidate := range store.Options {
		if option == candidate {
			return true
		}
	}
	return false
}

func hoursRemaining(expiresAt, now time.Time) float64 {
	remaining := expiresAt.Sub(now).Hours()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func mapStoreError(err error, action string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrConflictNotFound
	case errors.Is(err, store.ErrResolved):
		return ErrConflictResolved
	default:
		return fmt.Errorf("%s: %w", action, err)
	}
}
