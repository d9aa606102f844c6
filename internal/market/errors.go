package market

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the selection and fetch paths.
var (
	// ErrStrategyUnavailable means no registered strategy can serve a
	// category right now.
	ErrStrategyUnavailable = errors.New("no strategy available")

	// ErrFetchTimeout means a fetch exceeded its per-call deadline.
	ErrFetchTimeout = errors.New("fetch timed out")
)

// FetchReason classifies a fetch failure.
type FetchReason string

const (
	ReasonTransport FetchReason = "transport"
	ReasonUpstream  FetchReason = "upstream"
	ReasonParse     FetchReason = "parse"
	ReasonClosed    FetchReason = "closed"
)

// FetchError wraps a failed fetch with its classification.
type FetchError struct {
	Category Category
	Reason   FetchReason
	Cause    error
}

func (e *FetchError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fetch %s failed (%s)", e.Category, e.Reason)
	}
	return fmt.Sprintf("fetch %s failed (%s): %v", e.Category, e.Reason, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewFetchError builds a classified fetch error.
func NewFetchError(category Category, reason FetchReason, cause error) *FetchError {
	return &FetchError{Category: category, Reason: reason, Cause: cause}
}

// BatchPartialError reports a batch in which some sub-batches failed.
// It is informational: completed results are still delivered.
type BatchPartialError struct {
	Category  Category
	Completed int
	Failed    int
	Quality   Quality
}

func (e *BatchPartialError) Error() string {
	return fmt.Sprintf("batch %s partially failed: %d completed, %d failed (%s)",
		e.Category, e.Completed, e.Failed, e.Quality)
}

// ConfigError reports an invalid configuration field. Configuration problems
// fail fast at startup or registration, never mid-flight.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
