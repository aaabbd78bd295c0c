package judge

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a project consistency checker. You compare a team member's chat statement with an excerpt from the team's reference documents and decide whether they contradict each other. Respond with a single JSON object and nothing else.`

// maxEvidenceRunes bounds the evidence excerpt sent to the model.
const maxEvidenceRunes = 2000

func buildPrompt(statement, evidence string) string {
	var b strings.Builder
	b.WriteString("Analyze whether this statement conflicts with the project evidence.\n\n")
	fmt.Fprintf(&b, "STATEMENT: %q\n\n", statement)
	fmt.Fprintf(&b, "EVIDENCE FROM DOCUMENTS: %q\n\n", truncateRunes(evidence, maxEvidenceRunes))
	b.WriteString(`Look for conflicts such as:
- Technology choices (one framework proposed while another is specified)
- Contradictory requirements
- Budget or timeline contradictions
- Methodology differences
- Technical parameter mismatches

Examples:
- "Let's use Vue" vs "Frontend must use React" is a conflict.
- "Budget is $75k" vs "Budget capped at $50k max" is a conflict.
- "Ship in 6 months" vs "Delivery within 3 months" is a conflict.
- "Let's use React" vs "Frontend must use React" is not a conflict.

Respond ONLY with JSON:
{"conflict": true or false, "severity": "low" | "medium" | "high", "reason": "one short sentence", "confidence": 0-100}`)
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
