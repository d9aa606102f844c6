package market

import (
	"context"
	"errors"
)

// OutcomeKind discriminates a FetchOutcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeFailure OutcomeKind = "failure"
)

// FetchOutcome is the closed result of one fetch attempt. Exactly one of
// Item and Err is set; timeouts carry ErrFetchTimeout.
type FetchOutcome struct {
	Kind      OutcomeKind
	Item      *FetchedItem
	Err       error
	LatencyMs float64
}

// Succeeded builds a success outcome.
func Succeeded(item *FetchedItem, latencyMs float64) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess, Item: item, LatencyMs: latencyMs}
}

// TimedOut builds a timeout outcome.
func TimedOut(latencyMs float64) FetchOutcome {
	return FetchOutcome{Kind: OutcomeTimeout, Err: ErrFetchTimeout, LatencyMs: latencyMs}
}

// Failed builds a failure outcome.
func Failed(err error, latencyMs float64) FetchOutcome {
	return FetchOutcome{Kind: OutcomeFailure, Err: err, LatencyMs: latencyMs}
}

// OutcomeFromError classifies a fetch error, folding context deadlines into
// the timeout kind.
func OutcomeFromError(err error, latencyMs float64) FetchOutcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrFetchTimeout) {
		return TimedOut(latencyMs)
	}
	return Failed(err, latencyMs)
}

// Success reports whether the outcome carries an item.
func (o FetchOutcome) Success() bool {
	return o.Kind == OutcomeSuccess
}
