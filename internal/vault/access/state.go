// Package access holds vault roles and the pause state machine.
package access

import (
	"encoding/json"
	"fmt"
)

// Status is the vault's operational state.
type Status int32

const (
	// StatusRunning accepts every operation.
	StatusRunning Status = iota

	// StatusPaused rejects deposits, withdrawals and reallocations.
	// Emergency withdrawals still go through.
	StatusPaused
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status. Anything unrecognised is paused,
// so a corrupted record never silently re-opens the vault.
func ParseStatus(s string) Status {
	switch s {
	case "running", "active":
		return StatusRunning
	default:
		return StatusPaused
	}
}

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[Status][]Status{
	StatusRunning: {StatusPaused},
	StatusPaused:  {StatusRunning},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
