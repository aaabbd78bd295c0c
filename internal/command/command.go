// Package command classifies inbound chat text into one tagged command so
// the engine can dispatch from a single switch.
package command

import (
	"regexp"
	"strings"
)

type Kind int

const (
	KindChat Kind = iota
	KindCastVote
	KindMalformedVote
	KindStartVote
	KindVoteStatus
	KindEndVote
	KindListDecisions
	KindSystem
)

var kindNames = map[Kind]string{
	KindChat:          "chat",
	KindCastVote:      "cast_vote",
	KindMalformedVote: "malformed_vote",
	KindStartVote:     "start_vote",
	KindVoteStatus:    "vote_status",
	KindEndVote:       "end_vote",
	KindListDecisions: "list_decisions",
	KindSystem:        "system",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command is the classified form of one message. Only the fields relevant
// to Kind are set.
type Command struct {
	Kind       Kind
	ConflictID string
	Option     string
	Reasoning  string
	Question   string
	Text       string
}

var voteSyntax = regexp.MustCompile(`(?is)(?:@bot\s+decision|^/decision)\s+([A-Z0-9]+)\s+([ABC])\s+(.+)`)

// systemWords are leading words owned by other bot features.
var systemWords = map[string]bool{
	"accept":  true,
	"decline": true,
	"claim":   true,
}

// Classify maps text to exactly one Command.
func Classify(text string) Command {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	fields := strings.Fields(lower)
	first := ""
	if len(fields) > 0 {
		first = fields[0]
	}

	if strings.Contains(lower, "@bot decision") || first == "/decision" || voteSyntax.MatchString(trimmed) {
		return classifyVote(trimmed)
	}

	switch first {
	case "/vote":
		return Command{Kind: KindStartVote, Question: argument(trimmed), Text: trimmed}
	case "/status":
		return Command{Kind: KindVoteStatus, ConflictID: strings.ToUpper(firstArgument(trimmed)), Text: trimmed}
	case "/endvote":
		return Command{Kind: KindEndVote, ConflictID: strings.ToUpper(firstArgument(trimmed)), Text: trimmed}
	case "/decisions":
		return Command{Kind: KindListDecisions, Text: trimmed}
	}

	if strings.HasPrefix(first, "/") || systemWords[first] {
		return Command{Kind: KindSystem, Text: trimmed}
	}
	return Command{Kind: KindChat, Text: trimmed}
}

func classifyVote(text string) Command {
	match := voteSyntax.FindStringSubmatch(text)
	if match == nil {
		return Command{Kind: KindMalformedVote, Text: text}
	}
	reasoning := strings.TrimSpace(match[3])
	if reasoning == "" {
		return Command{Kind: KindMalformedVote, Text: text}
	}
	return Command{
		Kind:       KindCastVote,
		ConflictID: strings.ToUpper(match[1]),
		Option:     strings.ToUpper(match[2]),
		Reasoning:  reasoning,
		Text:       text,
	}
}

// argument returns everything after the first word.
func argument(text string) string {
	idx := strings.IndexFunc(text, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(text[idx:])
}

func firstArgument(text string) string {
	fields := strings.Fields(argument(text))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
