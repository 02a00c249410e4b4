package executor

import (
	"errors"
	"fmt"

	"github.com/vinayprograms/codereview/internal/schema"
)

// Outcome is how a conversation ended.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeBudgetExhausted Outcome = "budget-exhausted"
	OutcomeSchemaViolation Outcome = "schema-violation"
	OutcomeBackendFailure  Outcome = "backend-failure"
	OutcomeCancelled       Outcome = "cancelled"
)

// Sentinels matched by errors.Is on a *RunError.
var (
	ErrBudgetExhausted = errors.New("budget exhausted")
	ErrSchemaViolation = schema.ErrSchemaViolation
	ErrBackendFailure  = errors.New("backend failure")
	ErrCancelled       = errors.New("cancelled")
)

// ErrInvalidRequest is returned by Start before the backend is contacted.
var ErrInvalidRequest = errors.New("invalid request")

// RunError describes a failed conversation.
type RunError struct {
	Outcome Outcome
	Subtype string // backend result subtype, when there was one
	Detail  string
	Err     error
}

func (e *RunError) Error() string {
	msg := string(e.Outcome)
	if e.Subtype != "" {
		msg += " (" + e.Subtype + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil && e.Err.Error() != e.Detail {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the outcome sentinel and the cause.
func (e *RunError) Unwrap() []error {
	errs := []error{sentinel(e.Outcome)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func sentinel(o Outcome) error {
	switch o {
	case OutcomeBudgetExhausted:
		return ErrBudgetExhausted
	case OutcomeSchemaViolation:
		return ErrSchemaViolation
	case OutcomeCancelled:
		return ErrCancelled
	}
	return ErrBackendFailure
}

func newRunError(o Outcome, err error, format string, args ...interface{}) *RunError {
	return &RunError{Outcome: o, Detail: fmt.Sprintf(format, args...), Err: err}
}

// OutcomeOf returns the outcome carried by err, or OutcomeSuccess for nil.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Outcome
	}
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return OutcomeBudgetExhausted
	case errors.Is(err, ErrSchemaViolation):
		return OutcomeSchemaViolation
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	}
	return OutcomeBackendFailure
}
