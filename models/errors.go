package models

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict indicates a watch status changed underneath an
// in-flight evaluation; the evaluation result is discarded, never surfaced.
var ErrConcurrencyConflict = errors.New("watch status changed during evaluation")

// ErrAutoBuyExhausted indicates the attempts counter reached its maximum;
// auto-buy stays permanently disabled for the watch.
var ErrAutoBuyExhausted = errors.New("auto-buy attempts exhausted")

// ValidationError rejects malformed watch or observation input at ingestion.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransitionError rejects a watch status move not covered by a defined verb.
type TransitionError struct {
	From WatchStatus
	To   WatchStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid watch transition %s -> %s", e.From, e.To)
}
