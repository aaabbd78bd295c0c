package dialectic

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dialectic/api/internal/llm"
	"dialectic/api/internal/store"
)

const (
	outcomePrefix      = "Vote Concluded:"
	outcomeTemperature = 0.3
	outcomeMaxTokens   = 200
	outcomeReasonings  = 5
	teamVoteAuthor     = "Team_Vote"
	decisionCategory   = "methodology"
	decisionConsensus  = "consensus"
	decisionDeferred   = "deferred"
)

var optionLabels = map[string]string{
	store.OptionA: "Keep & Mitigate",
	store.OptionB: "Align with Evidence",
	store.OptionC: "Challenge Evidence",
}

// Winner returns the option with the most votes. Ties go to the earliest
// option in A, B, C order; no votes means no winner.
func Winner(t store.Tally) string {
	winner, best := "", 0
	for _, option := range store.Options {
		if count := t.Count(option); count > best {
			winner, best = option, count
		}
	}
	return winner
}

// decide builds the resolution for the tally seen under the row lock.
func decide(c store.Conflict, tally store.Tally, outcome string) store.Resolution {
	winner := Winner(tally)
	entry := store.DecisionLogEntry{
		Text:      c.Statement,
		Category:  decisionCategory,
		Type:      decisionConsensus,
		CreatedBy: teamVoteAuthor,
	}
	if winner == "" {
		entry.Rationale = "No votes received; decision deferred"
		entry.Type = decisionDeferred
	} else {
		entry.Rationale = fmt.Sprintf("Option %s won with %d votes (A:%d B:%d C:%d)",
			winner, tally.Count(winner), tally.A, tally.B, tally.C)
	}
	return store.Resolution{Winner: winner, Outcome: outcome, Entry: entry}
}

func templateOutcome(tally store.Tally, trigger string) string {
	winner := Winner(tally)
	if winner == "" {
		if trigger == TriggerExpired {
			return "Vote Expired: No votes received for this conflict. Decision deferred."
		}
		return "Vote Ended: No votes received. Decision deferred."
	}
	return fmt.Sprintf("%s Team chose Option %s with %d votes (A:%d, B:%d, C:%d).",
		outcomePrefix, winner, tally.Count(winner), tally.A, tally.B, tally.C)
}

// explainOutcome asks the model for a short outcome statement. It returns
// "" on any failure so the caller falls back to the template.
func (e *Engine) explainOutcome(ctx context.Context, c store.Conflict, tally store.Tally, votes []store.Vote) string {
	if e.completer == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
	defer cancel()

	response, err := e.completer.Complete(ctx, llm.Request{
		Prompt:      outcomePrompt(c, tally, votes),
		Temperature: outcomeTemperature,
		MaxTokens:   outcomeMaxTokens,
	})
	if err != nil {
		e.logger.Warn("outcome explanation failed",
			zap.String("conflict_id", c.ConflictID),
			zap.String("error_type", string(llm.GetErrorType(err))),
			zap.Error(err))
		return ""
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return ""
	}
	if !strings.HasPrefix(response, outcomePrefix) {
		response = outcomePrefix + " " + response
	}
	return response
}

func outcomePrompt(c store.Conflict, tally store.Tally, votes []store.Vote) string {
	var b strings.Builder
	b.WriteString("A team vote has concluded. Generate a brief outcome statement (2-3 sentences).\n\n")
	fmt.Fprintf(&b, "Original conflict: %s\n", c.Reason)
	fmt.Fprintf(&b, "Statement: %s\n", c.Statement)
	fmt.Fprintf(&b, "Evidence: %s\n\n", truncate(c.Evidence, 200))
	b.WriteString("Vote results:\n")
	for _, option := range store.Options {
		fmt.Fprintf(&b, "- Option %s (%s): %d votes\n", option, optionLabels[option], tally.Count(option))
	}
	fmt.Fprintf(&b, "\nWinning option: %s\n", Winner(tally))

	written := 0
	for _, vote := range votes {
		if written == outcomeReasonings {
			break
		}
		if vote.Reasoning == "" {
			continue
		}
		if written == 0 {
			b.WriteString("\nTeam reasoning:\n")
		}
		name := vote.UserName
		if name == "" {
			name = vote.UserID
		}
		fmt.Fprintf(&b, "- %s (Option %s): %s\n", name, vote.Option, vote.Reasoning)
		written++
	}
	b.WriteString("\nStart the statement with \"" + outcomePrefix + "\" and state what the team decided and why.")
	return b.String()
}
