// Package coreerr defines the error kinds shared by the coordination core.
//
// Components wrap these sentinels with context (fmt.Errorf("%w: ...", ErrX))
// and callers match them with errors.Is.
package coreerr

import "errors"

var (
	ErrAgentNotFound              = errors.New("agent not found")
	ErrRegistrationConflict       = errors.New("registration conflict")
	ErrTaskNotFound               = errors.New("task not found")
	ErrInvalidStateTransition     = errors.New("invalid state transition")
	ErrNoMatchingAgent            = errors.New("no matching agent")
	ErrConflictNotFound           = errors.New("conflict not found")
	ErrConflictUnresolved         = errors.New("conflict unresolved")
	ErrKnowledgeNotFound          = errors.New("knowledge item not found")
	ErrKnowledgeValidationFailed  = errors.New("knowledge validation failed")
	ErrEmbeddingProvider          = errors.New("embedding provider error")
	ErrDecisionNotFound           = errors.New("decision not found")
	ErrDecisionConstraintViolated = errors.New("decision constraint violated")
	ErrInvalidInput               = errors.New("invalid input")
)

// transientError marks a collaborator failure that may succeed on retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// IsStructural reports whether err is one of the kinds that must never be retried.
func IsStructural(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrAgentNotFound),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrRegistrationConflict),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrKnowledgeValidationFailed):
		return true
	default:
		return false
	}
}
