package dialectic

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// Screening results, also used as metric labels.
const (
	screenRelevant = "relevant"
	screenCommand  = "command"
	screenShort    = "too_short"
	screenCasual   = "casual"
	screenQuestion = "question"
	screenOffTopic = "off_topic"
)

var (
	mentionPattern  = regexp.MustCompile(`(?i)@bot\b`)
	casualPattern   = regexp.MustCompile(`(?i)\b(hello|hi|thanks|thank you|good morning|good afternoon|how are you|what's up|see you|bye|goodbye|weather|lunch|coffee|weekend|vacation)\b`)
	proposalPattern = regexp.MustCompile(`(?i)\b(vote|let's|let us|we should|we will|we'll|switch to|instead of|propose|going to)\b`)
	cuePattern      = regexp.MustCompile(`(?i)\b(must|should|expect|perform|equally|identical)`)
	techPattern     = regexp.MustCompile(`(?i)\b(react|vue|javascript|python|java|framework|technology|frontend|backend|database|api)\b`)
)

// stripMention removes bot mentions so the judge sees only the statement.
func stripMention(text string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(mentionPattern.ReplaceAllString(text, " ")), " "))
}

// screen reports whether a statement is worth checking against the corpus.
// Cheap lexical rules run first; corpus keywords are consulted only when
// none of them settle the question. Questions are rejected before any
// retrieval or model call.
func (e *Engine) screen(ctx context.Context, raw string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "@bot decision") {
		return screenCommand
	}
	text := stripMention(raw)
	if len([]rune(text)) < e.opts.MinMessageLength {
		return screenShort
	}
	if casualPattern.MatchString(text) {
		return screenCasual
	}
	if strings.HasSuffix(text, "?") && !proposalPattern.MatchString(text) {
		return screenQuestion
	}
	if hasStaticCue(text) {
		return screenRelevant
	}
	lower := strings.ToLower(text)
	for _, keyword := range e.projectKeywords(ctx) {
		if len(keyword) >= 3 && strings.Contains(lower, keyword) {
			return screenRelevant
		}
	}
	return screenOffTopic
}

func hasStaticCue(text string) bool {
	if strings.IndexFunc(text, unicode.IsDigit) >= 0 {
		return true
	}
	return cuePattern.MatchString(text) || techPattern.MatchString(text)
}
