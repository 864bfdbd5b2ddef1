package storage

import (
	"errors"
	"fmt"

	"github.com/soudan-ai/soudan/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// StateConflictError is returned when a guarded state transition matched the
// row but not its state. Current is what the row held at the time of the
// attempt, so callers can report which state blocked the move.
type StateConflictError struct {
	Current model.RequestState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("storage: request is in state %q", e.Current)
}
