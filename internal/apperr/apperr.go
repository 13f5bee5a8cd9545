// Package apperr converts raw failures into typed, severity and category
// tagged errors that drive retry and alerting policy.
package apperr

import (
	"context"
	"database/sql"
	"errors"
	"net"

	"github.com/lib/pq"
)

type Category string

const (
	CategoryValidation      Category = "validation"
	CategoryAuthentication  Category = "authentication"
	CategoryRateLimit       Category = "rate_limit"
	CategoryExternalService Category = "external_service"
	CategoryDataStore       Category = "data_store"
	CategoryNetwork         Category = "network"
	CategoryBusinessLogic   Category = "business_logic"
	CategoryUnknown         Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is a classified failure. It wraps the underlying cause and carries
// the policy axes the pipeline acts on.
type Error struct {
	Category  Category
	Severity  Severity
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with the default policy for its category.
func New(cat Category, msg string, cause error) *Error {
	sev, retryable := defaults(cat)
	return &Error{Category: cat, Severity: sev, Retryable: retryable, Message: msg, Err: cause}
}

func defaults(cat Category) (Severity, bool) {
	switch cat {
	case CategoryValidation:
		return SeverityLow, false
	case CategoryAuthentication:
		return SeverityMedium, false
	case CategoryRateLimit:
		return SeverityLow, false
	case CategoryExternalService:
		return SeverityMedium, true
	case CategoryDataStore:
		return SeverityHigh, true
	case CategoryNetwork:
		return SeverityMedium, true
	case CategoryBusinessLogic:
		return SeverityMedium, false
	default:
		return SeverityHigh, false
	}
}

// Classify tags an arbitrary error. Already-classified errors pass through
// unchanged; everything else is inspected for known store, network, and
// timeout shapes, defaulting to unknown/non-retryable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return New(CategoryDataStore, "database error", err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return New(CategoryDataStore, "database connection error", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return New(CategoryNetwork, "network error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CategoryNetwork, "operation timed out", err)
	}

	return New(CategoryUnknown, "unexpected error", err)
}

// Retryable reports whether the error's classification permits a retry.
func Retryable(err error) bool {
	c := Classify(err)
	return c != nil && c.Retryable
}

// MaxAttempts is the per-category retry budget, including the first attempt.
func MaxAttempts(cat Category) int {
	switch cat {
	case CategoryDataStore:
		return 3
	case CategoryNetwork:
		return 3
	case CategoryExternalService:
		return 2
	default:
		return 1
	}
}
