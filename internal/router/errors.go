package router

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned for requests missing required fields
var ErrInvalidRequest = errors.New("invalid route request")

// BudgetExceededError is returned before any model spend when an organization
// cannot afford the recommended tier. It is never retried.
type BudgetExceededError struct {
	OrgID  string
	TierID string
	Reason string
}

func (e *BudgetExceededError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("budget exceeded for org %s: %s", e.OrgID, e.Reason)
	}
	return fmt.Sprintf("budget exceeded for org %s on tier %s", e.OrgID, e.TierID)
}

// ModelUnavailableError is returned when both the recommended tier and its
// fallback failed.
type ModelUnavailableError struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *ModelUnavailableError) Error() string {
	if e.Fallback == "" {
		return fmt.Sprintf("model %s unavailable (no fallback): %v", e.Primary, e.PrimaryErr)
	}
	return fmt.Sprintf("models unavailable: primary %s failed (%v), fallback %s failed (%v)",
		e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

func (e *ModelUnavailableError) Unwrap() []error {
	var errs []error
	if e.PrimaryErr != nil {
		errs = append(errs, e.PrimaryErr)
	}
	if e.FallbackErr != nil {
		errs = append(errs, e.FallbackErr)
	}
	return errs
}
