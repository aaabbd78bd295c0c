package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrResolved = errors.New("conflict already resolved")
)

const (
	KindDetected = "detected"
	KindManual   = "manual"
)

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const (
	OptionA = "A"
	OptionB = "B"
	OptionC = "C"
)

// Options lists vote options in enumeration order; ties resolve to the earliest.
var Options = []string{OptionA, OptionB, OptionC}

type Conflict struct {
	ConflictID string
	GroupID    string
	Kind       string
	Statement  string
	Evidence   string
	Source     string
	Severity   string
	Reason     string
	Confidence int
	CreatedBy  string
	ExpiresAt  time.Time
	Resolved   bool
	ResolvedAt *time.Time
	Winner     string
	Outcome    string
	CreatedAt  time.Time
}

type Vote struct {
	ConflictID string
	UserID     string
	UserName   string
	Option     string
	Reasoning  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Tally counts live votes per option.
type Tally struct {
	A int `json:"A"`
	B int `json:"B"`
	C int `json:"C"`
}

func (t Tally) Total() int {
	return t.A + t.B + t.C
}

func (t Tally) Count(option string) int {
	switch option {
	case OptionA:
		return t.A
	case OptionB:
		return t.B
	case OptionC:
		return t.C
	default:
		return 0
	}
}

func (t *Tally) add(option string, n int) {
	switch option {
	case OptionA:
		t.A += n
	case OptionB:
		t.B += n
	case OptionC:
		t.C += n
	}
}

type DecisionLogEntry struct {
	ID           int64
	ConflictID   string
	GroupID      string
	Text         string
	Rationale    string
	Category     string
	Type         string
	CreatedBy    string
	Winner       string
	Tally        Tally
	Participants []string
	CreatedAt    time.Time
}

// Resolution is what a conflict resolves to. It is computed from the tally
// observed inside the resolving transaction.
type Resolution struct {
	Winner  string
	Tally   Tally
	Outcome string
	Entry   DecisionLogEntry
}

// Scope selects which group a listing covers. The zero value is the
// ungrouped chat, not every group.
type Scope struct {
	GroupID   string
	AllGroups bool
}

func InGroup(groupID string) Scope {
	return Scope{GroupID: groupID}
}

// EveryGroup spans all groups. Only admin surfaces should build it.
var EveryGroup = Scope{AllGroups: true}

// ExpiryCursor pages expired conflicts in (expires_at, conflict_id) order.
// The zero value starts from the oldest.
type ExpiryCursor struct {
	ExpiresAt  time.Time
	ConflictID string
}

// ActiveConflict is an open conflict together with its live votes.
type ActiveConflict struct {
	Conflict Conflict
	Tally    Tally
	Votes    []Vote
}

type Document struct {
	ID         string
	Filename   string
	ObjectKey  string
	GroupID    string
	UploadedBy string
	SizeBytes  int64
	CreatedAt  time.Time
}

type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Content    string
	Source     string
}
