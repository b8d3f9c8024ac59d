package redmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSessionUnavailable is returned when an operation needs a live
	// session and neither the receiver nor any operand supplies one.
	ErrSessionUnavailable = errors.New("no session available")

	// ErrInvalidTransition is returned when an instance state change is
	// not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownModel is returned when a model name is not registered.
	ErrUnknownModel = errors.New("unknown model")
)

// QueryUsageError indicates the caller combined incompatible query
// options. It is raised during request construction, before any network
// round trip.
type QueryUsageError struct {
	Reason string
}

func (e *QueryUsageError) Error() string {
	return "invalid query usage: " + e.Reason
}

// ValidationError indicates an instance failed field-level validation.
// The instance is never sent to the store.
type ValidationError struct {
	Model  string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, f := range names {
		parts[i] = f + ": " + e.Fields[f]
	}
	return fmt.Sprintf("validation failed for %s (%s)", e.Model, strings.Join(parts, "; "))
}

// CommitError indicates the store rejected one instance's write within an
// otherwise-successful batch. Sibling instances are unaffected.
type CommitError struct {
	Model   string
	IID     string
	Message string
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit rejected for %s instance %s: %s", e.Model, e.IID, e.Message)
}

// InvalidTransactionError indicates a delete was requested against an
// instance the store reports as persistent but undeletable. Fatal for
// that instance.
type InvalidTransactionError struct {
	Model string
	ID    string
}

func (e *InvalidTransactionError) Error() string {
	return fmt.Sprintf("could not delete persistent %s instance %s", e.Model, e.ID)
}
