package dialectic

import (
	"fmt"
	"math"
	"strings"
	"time"

	"dialectic/api/internal/store"
)

const (
	evidencePreview = 200
	chatDecisions   = 10
)

var severityLines = map[string]string{
	store.SeverityLow:    "LOW SEVERITY: Team input requested.",
	store.SeverityMedium: "MEDIUM SEVERITY: Team consensus recommended.",
	store.SeverityHigh:   "HIGH SEVERITY: Team consensus required.",
}

func interventionText(c store.Conflict, window time.Duration) string {
	severity, ok := severityLines[c.Severity]
	if !ok {
		severity = severityLines[store.SeverityMedium]
	}
	var b strings.Builder
	b.WriteString("**CONFLICT DETECTED**\n\n")
	fmt.Fprintf(&b, "%s Voting period: %s\n\n", severity, formatWindow(window))
	fmt.Fprintf(&b, "**Evidence from [%s]:**\n", c.Source)
	fmt.Fprintf(&b, "> \"%s\"\n\n", preview(c.Evidence))
	fmt.Fprintf(&b, "**Issue:** %s\n\n", c.Reason)
	b.WriteString("**Options:**\n")
	b.WriteString("A: Keep current strategy & document mitigation plan\n")
	b.WriteString("B: Revise approach to align with documented evidence\n")
	b.WriteString("C: Challenge the evidence (provide counter-source)\n\n")
	fmt.Fprintf(&b, "Reply with: `@bot decision %s A/B/C <your reasoning>`", c.ConflictID)
	return b.String()
}

func manualVoteText(c store.Conflict, window time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**TEAM VOTE STARTED** - %s\n\n", c.ConflictID)
	fmt.Fprintf(&b, "**Question:** %s\n\n", c.Reason)
	b.WriteString("**Options:**\n")
	b.WriteString("A: Yes/Approve\n")
	b.WriteString("B: No/Reject\n")
	b.WriteString("C: Alternative/Modify\n\n")
	fmt.Fprintf(&b, "Voting period: %s\n", formatWindow(window))
	fmt.Fprintf(&b, "Reply with: `@bot decision %s A/B/C <your reasoning>`", c.ConflictID)
	return b.String()
}

func statusText(c store.Conflict, tally store.Tally, now time.Time) string {
	var b strings.Builder
	b.WriteString("**TEAM VOTING IN PROGRESS**\n\n")
	fmt.Fprintf(&b, "**Question:** %s\n", c.Reason)
	fmt.Fprintf(&b, "**Source:** [%s]\n\n", c.Source)
	b.WriteString("**Current Votes:**\n")
	fmt.Fprintf(&b, "A (Accept): %d\n", tally.A)
	fmt.Fprintf(&b, "B (Deny): %d\n", tally.B)
	fmt.Fprintf(&b, "C (Modify): %d\n\n", tally.C)
	fmt.Fprintf(&b, "**Time Remaining:** %dh\n\n", int(math.Floor(hoursRemaining(c.ExpiresAt, now))))
	fmt.Fprintf(&b, "**How to vote:** `@bot decision %s A <your reasoning>`", c.ConflictID)
	return b.String()
}

func voteReceiptText(conflictID, option string, created bool, status string) string {
	verb := "recorded"
	if !created {
		verb = "updated"
	}
	return fmt.Sprintf("Vote %s: Option %s for %s.\n\n%s", verb, option, conflictID, status)
}

func decisionsText(entries []store.DecisionLogEntry) string {
	if len(entries) == 0 {
		return "No decisions recorded yet."
	}
	if len(entries) > chatDecisions {
		entries = entries[:chatDecisions]
	}
	blocks := make([]string, 0, len(entries))
	for _, entry := range entries {
		blocks = append(blocks, fmt.Sprintf("**%s**\n%s\n*%s • %s*",
			entry.Text, entry.Rationale, entry.CreatedBy, entry.CreatedAt.Format("01/02 15:04")))
	}
	return "**Recent Decisions:**\n\n" + strings.Join(blocks, "\n\n")
}

func resultText(r Result) string {
	if r.AlreadyResolved {
		return fmt.Sprintf("Voting on %s already closed. %s", r.ConflictID, r.Outcome)
	}
	return r.Outcome
}

func formatWindow(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	minutes := int(math.Round(d.Minutes()))
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func preview(evidence string) string {
	if len([]rune(evidence)) <= evidencePreview {
		return evidence
	}
	return truncate(evidence, evidencePreview) + "..."
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
