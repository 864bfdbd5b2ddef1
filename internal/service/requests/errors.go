package requests

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/storage"
)

// ValidationError marks a caller error in the request body. The HTTP layer
// maps it to 400, MCP to an invalid-params tool error.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError reports that a lifecycle transition was refused because the
// request is not in the required state. Current names the blocking state so
// callers can explain exactly why the operation lost.
type ConflictError struct {
	RequestID uuid.UUID
	Current   model.RequestState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("requests: request %s is in state %q", e.RequestID, e.Current)
}

// IsConflict reports whether err is a lifecycle conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// mapTransitionErr converts storage-level transition failures into the
// service's error taxonomy. Not-found passes through unchanged.
func mapTransitionErr(id uuid.UUID, err error) error {
	var conflict *storage.StateConflictError
	if errors.As(err, &conflict) {
		return &ConflictError{RequestID: id, Current: conflict.Current}
	}
	return err
}
