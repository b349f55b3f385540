package order

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrVersionConflict    = errors.New("order was modified concurrently")
	ErrPreconditionFailed = errors.New("order no longer matches the requested precondition")
)

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is returned for a state change outside the allowed
// graph. Allowed lists the legal successors of From.
type InvalidTransitionError struct {
	Kind    string
	From    string
	To      string
	Allowed []string
}

func (e *InvalidTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("invalid %s transition from %s to %s (allowed: %s)", e.Kind, e.From, e.To, allowed)
}

// DataIntegrityError means computed totals disagree with stored ones. It blocks
// persistence and always indicates a bug in the caller.
type DataIntegrityError struct {
	Field    string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation on %s: expected %s, got %s",
		e.Field, e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}
