package approval

import (
	"errors"

	"github.com/MEKXH/canary/internal/state"
)

// ErrNotFound is returned when no tracked extension matches the key.
var ErrNotFound = errors.New("extension not found")

// DecisionInput contains fields recorded with a manual override.
type DecisionInput struct {
	DecidedBy string
	Note      string
}

// Override is the result of one manual override.
type Override struct {
	Record state.Record
	From   state.AuditState
}
