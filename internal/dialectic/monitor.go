package dialectic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"dialectic/api/internal/notify"
	"dialectic/api/internal/search"
	"dialectic/api/internal/store"
	"dialectic/api/internal/util"
)

const evidenceQueryPrefix = "requirements specification "

// preferredSources mark reference documents over incidental uploads.
var preferredSources = []string{"requirement", "project", "spec"}

// Message is one inbound chat message.
type Message struct {
	Text       string `json:"text"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	GroupID    string `json:"groupId"`
	Role       string `json:"-"`
}

// Intervention is the bot's reply to a statement that contradicts evidence.
type Intervention struct {
	ConflictID string         `json:"conflictId"`
	Text       string         `json:"text"`
	Conflict   store.Conflict `json:"-"`
}

// MonitorMessage checks a chat message against the reference documents and
// opens a conflict when the judge finds a contradiction. A nil intervention
// with a nil error means the message needs no response.
func (e *Engine) MonitorMessage(ctx context.Context, msg Message) (*Intervention, error) {
	result := e.screen(ctx, msg.Text)
	if result != screenRelevant {
		e.metrics.RecordScreened(result)
		return nil, nil
	}
	statement := stripMention(msg.Text)

	evidence, ok := e.findEvidence(ctx, statement)
	if !ok {
		e.metrics.RecordScreened("no_evidence")
		return nil, nil
	}

	verdict := e.judge.Judge(ctx, statement, evidence.Content)
	if !verdict.IsConflict {
		e.metrics.RecordScreened("consistent")
		return nil, nil
	}

	key, claimed := dedupKey(msg.GroupID, statement), false
	if e.claims != nil {
		ok, err := e.claims.Claim(ctx, key, e.opts.DedupTTL)
		if err != nil {
			e.logger.Warn("intervention dedup unavailable", zap.Error(err))
		} else if !ok {
			e.metrics.RecordScreened("duplicate")
			return nil, nil
		}
		claimed = ok
	}

	conflict := store.Conflict{
		ConflictID: util.NewConflictID(util.PrefixDetected),
		GroupID:    msg.GroupID,
		Kind:       store.KindDetected,
		Statement:  statement,
		Evidence:   evidence.Content,
		Source:     evidence.Source,
		Severity:   verdict.Severity,
		Reason:     verdict.Reason,
		Confidence: verdict.Confidence,
		CreatedBy:  msg.AuthorID,
		ExpiresAt:  e.now().Add(e.opts.VotingWindow),
	}
	if err := e.store.CreateConflict(ctx, conflict); err != nil {
		if claimed {
			// No conflict exists, so the statement must stay detectable.
			if releaseErr := e.claims.Release(ctx, key); releaseErr != nil {
				e.logger.Warn("release intervention claim", zap.String("key", key), zap.Error(releaseErr))
			}
		}
		return nil, fmt.Errorf("create conflict: %w", err)
	}
	e.metrics.RecordScreened(screenRelevant)
	e.metrics.RecordConflictOpened(conflict.Kind, conflict.Severity)
	e.logger.Info("conflict opened",
		zap.String("conflict_id", conflict.ConflictID),
		zap.String("group_id", conflict.GroupID),
		zap.String("severity", conflict.Severity),
		zap.Int("confidence", conflict.Confidence),
		zap.String("source", conflict.Source))

	text := interventionText(conflict, e.opts.VotingWindow)
	e.broadcast(ctx, notify.EventNewConflict, conflict.GroupID, conflictPayload(conflict, text))
	return &Intervention{ConflictID: conflict.ConflictID, Text: text, Conflict: conflict}, nil
}

// findEvidence retrieves the passage most likely to constrain statement.
// When the full query finds nothing, the longest words are tried alone.
func (e *Engine) findEvidence(ctx context.Context, statement string) (search.Passage, bool) {
	passages, err := e.retriever.Find(ctx, evidenceQueryPrefix+statement, e.opts.EvidenceLimit)
	if err != nil {
		e.logger.Warn("evidence search failed", zap.Error(err))
	}
	if len(passages) == 0 {
		for _, word := range significantWords(statement, 3) {
			passages, err = e.retriever.Find(ctx, word, e.opts.EvidenceLimit)
			if err != nil {
				e.logger.Warn("keyword evidence search failed", zap.String("keyword", word), zap.Error(err))
				continue
			}
			if len(passages) > 0 {
				break
			}
		}
	}
	return bestPassage(passages)
}

// bestPassage prefers a passage from a requirements or specification
// document, otherwise the highest ranked one.
func bestPassage(passages []search.Passage) (search.Passage, bool) {
	var first *search.Passage
	for i := range passages {
		passage := &passages[i]
		if strings.TrimSpace(passage.Content) == "" {
			continue
		}
		source := strings.ToLower(passage.Source)
		for _, marker := range preferredSources {
			if strings.Contains(source, marker) {
				return *passage, true
			}
		}
		if first == nil {
			first = passage
		}
	}
	if first == nil {
		return search.Passage{}, false
	}
	return *first, true
}

// significantWords returns up to n distinct words of four or more letters,
// longest first.
func significantWords(text string, n int) []string {
	seen := map[string]bool{}
	var words []string
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(field)) < 4 || seen[field] {
			continue
		}
		seen[field] = true
		words = append(words, field)
	}
	sort.SliceStable(words, func(i, j int) bool {
		return len([]rune(words[i])) > len([]rune(words[j]))
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func dedupKey(groupID, statement string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(statement)))
	return "intervention:" + groupID + ":" + hex.EncodeToString(sum[:8])
}

func conflictPayload(c store.Conflict, text string) notify.ConflictPayload {
	return notify.ConflictPayload{
		ConflictID: c.ConflictID,
		Kind:       c.Kind,
		Statement:  c.Statement,
		Evidence:   c.Evidence,
		Source:     c.Source,
		Severity:   c.Severity,
		Reason:     c.Reason,
		CreatedBy:  c.CreatedBy,
		ExpiresAt:  c.ExpiresAt,
		Message:    text,
	}
}
