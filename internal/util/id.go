package util

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixDetected = "C"
	PrefixManual   = "V"
)

// NewConflictID returns a short shareable code such as "C1A2B3C4D".
func NewConflictID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + strings.ToUpper(raw[:8])
}

// NewEventID returns an opaque identifier used to de-duplicate broadcasts.
func NewEventID() string {
	return uuid.NewString()
}
