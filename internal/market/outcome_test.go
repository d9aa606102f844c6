package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestOutcomeConstructors(t *testing.T) {
	item := NewItem(CategoryIndexQuote, json.RawMessage(`{}`), QualityGood, SourcePoll)

	ok := Succeeded(item, 120)
	if !ok.Success() || ok.Item != item || ok.Err != nil {
		t.Fatalf("unexpected success outcome: %+v", ok)
	}

	to := TimedOut(5000)
	if to.Success() || !errors.Is(to.Err, ErrFetchTimeout) || to.Kind != OutcomeTimeout {
		t.Fatalf("unexpected timeout outcome: %+v", to)
	}

	fail := Failed(errors.New("boom"), 80)
	if fail.Success() || fail.Kind != OutcomeFailure {
		t.Fatalf("unexpected failure outcome: %+v", fail)
	}
}

func TestOutcomeFromErrorClassifiesDeadlines(t *testing.T) {
	o := OutcomeFromError(fmt.Errorf("do request: %w", context.DeadlineExceeded), 5000)
	if o.Kind != OutcomeTimeout {
		t.Fatalf("expected deadline to classify as timeout, got %s", o.Kind)
	}

	o = OutcomeFromError(errors.New("conn refused"), 10)
	if o.Kind != OutcomeFailure {
		t.Fatalf("expected plain error to classify as failure, got %s", o.Kind)
	}
}

func TestFetchErrorWrapping(t *testing.T) {
	cause := errors.New("status 502")
	err := NewFetchError(CategoryIndexQuote, ReasonUpstream, cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the cause")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Reason != ReasonUpstream {
		t.Fatalf("expected typed fetch error, got %v", err)
	}
}

func TestBatchPartialErrorMessage(t *testing.T) {
	err := &BatchPartialError{Category: CategoryWatchlistQuote, Completed: 40, Failed: 10, Quality: QualityGood}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected message")
	}
	var bpe *BatchPartialError
	if !errors.As(fmt.Errorf("run batch: %w", err), &bpe) {
		t.Fatal("expected errors.As to find BatchPartialError")
	}
}
