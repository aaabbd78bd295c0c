// Package notify delivers conflict lifecycle events to connected clients
// and external systems. Delivery is fire-and-forget and at-most-once per sink.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"dialectic/api/internal/store"
	"dialectic/api/internal/util"
)

const (
	EventNewConflict      = "new_conflict"
	EventVotingUpdated    = "voting_updated"
	EventConflictResolved = "conflict_resolved"
	EventDecisionsUpdated = "decisions_updated"
	EventDocumentIngested = "document_ingested"
)

// ConflictPayload accompanies new_conflict.
type ConflictPayload struct {
	ConflictID string    `json:"conflictId"`
	Kind       string    `json:"kind"`
	Statement  string    `json:"statement"`
	Evidence   string    `json:"evidence"`
	Source     string    `json:"source"`
	Severity   string    `json:"severity"`
	Reason     string    `json:"reason"`
	CreatedBy  string    `json:"createdBy"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Message    string    `json:"message"`
}

// VotingPayload accompanies voting_updated.
type VotingPayload struct {
	ConflictID string      `json:"conflictId"`
	UserID     string      `json:"userId"`
	Option     string      `json:"option"`
	Tally      store.Tally `json:"voteCounts"`
}

// ResolutionPayload accompanies conflict_resolved.
type ResolutionPayload struct {
	ConflictID string      `json:"conflictId"`
	Winner     string      `json:"winner"`
	Tally      store.Tally `json:"voteCounts"`
	Outcome    string      `json:"outcome"`
	DecisionID int64       `json:"decisionId"`
}

// DecisionsPayload accompanies decisions_updated.
type DecisionsPayload struct {
	Reason  string `json:"reason"`
	Cleared int64  `json:"cleared,omitempty"`
}

// DocumentPayload accompanies document_ingested.
type DocumentPayload struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	Chunks     int    `json:"chunks"`
}

// Event is the envelope every sink receives.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	GroupID   string    `json:"groupId"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps a fresh id and timestamp.
func NewEvent(eventType, groupID string, payload any) Event {
	return Event{
		ID:        util.NewEventID(),
		Type:      eventType,
		GroupID:   groupID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Sink accepts events. Implementations never block the caller on delivery
// failures; they log and move on.
type Sink interface {
	Broadcast(ctx context.Context, ev Event)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Broadcast(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Broadcast(ctx context.Context, ev Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Broadcast(ctx, ev)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// wireEvent is Event with the payload kept as raw JSON, for relays.
type wireEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	GroupID   string          `json:"groupId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (w wireEvent) event() Event {
	return Event{ID: w.ID, Type: w.Type, GroupID: w.GroupID, Payload: w.Payload, Timestamp: w.Timestamp}
}
