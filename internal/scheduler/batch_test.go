package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/market"
)

func batchKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("60%04d.SH", i)
	}
	return keys
}

func TestPartitionCoversEveryKeyOnce(t *testing.T) {
	keys := batchKeys(120)
	chunks := partition(keys, 50)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, want := range []int{50, 50, 20} {
		if len(chunks[i]) != want {
			t.Fatalf("chunk %d has %d keys, want %d", i, len(chunks[i]), want)
		}
	}

	seen := make(map[string]int)
	for _, chunk := range chunks {
		for _, k := range chunk {
			seen[k]++
		}
	}
	for _, k := range keys {
		if seen[k] != 1 {
			t.Fatalf("key %s appears %d times", k, seen[k])
		}
	}
}

func TestPartitionSmallSetIsSingleChunk(t *testing.T) {
	chunks := partition(batchKeys(7), 50)
	if len(chunks) != 1 || len(chunks[0]) != 7 {
		t.Fatalf("got %d chunks (first %d keys), want one chunk of 7", len(chunks), len(chunks[0]))
	}
}

func TestBatchProcessAggregatesChunks(t *testing.T) {
	var calls int32
	runner := RunnerFunc(func(_ context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
		atomic.AddInt32(&calls, 1)
		payload, _ := json.Marshal(map[string]int{"count": len(params.Keys)})
		return market.NewItem(category, payload, market.QualityExcellent, market.SourcePoll), nil
	})

	b := NewBatcher(runner, BatchConfig{ChunkSize: 50})
	result, err := b.Process(context.Background(), "watchlist_quote", market.Params{Keys: batchKeys(120)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("runner called %d times, want 3", calls)
	}
	if result.Chunks != 3 || result.Succeeded != 120 || result.Failed != 0 {
		t.Fatalf("result = %d chunks, %d/%d keys", result.Chunks, result.Succeeded, result.Failed)
	}
	if result.Quality != market.QualityExcellent {
		t.Fatalf("quality = %s, want excellent", result.Quality)
	}
	if len(result.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(result.Items))
	}
}

func TestBatchPartialFailureReportsFailedChunk(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
		// the last chunk holds keys 100..119
		if params.Keys[0] == "600100.SH" {
			return nil, errBoom
		}
		return market.NewItem(category, json.RawMessage(`{}`), market.QualityExcellent, market.SourcePoll), nil
	})

	b := NewBatcher(runner, BatchConfig{ChunkSize: 50})
	result, err := b.Process(context.Background(), "watchlist_quote", market.Params{Keys: batchKeys(120)})

	var partial *market.BatchPartialError
	if !errors.As(err, &partial) {
		t.Fatalf("err = %v, want BatchPartialError", err)
	}
	if partial.Completed != 2 || partial.Failed != 1 {
		t.Fatalf("partial = %d completed, %d failed chunks", partial.Completed, partial.Failed)
	}
	if result.Succeeded != 100 || result.Failed != 20 {
		t.Fatalf("keys = %d/%d, want 100 succeeded, 20 failed", result.Succeeded, result.Failed)
	}
	// 100/120 lands in the good band
	if result.Quality != market.QualityGood {
		t.Fatalf("quality = %s, want good", result.Quality)
	}
	if len(result.Errors) != 1 || result.Errors[0].Index != 2 {
		t.Fatalf("errors = %+v, want chunk index 2", result.Errors)
	}
	if len(result.Items) != 2 {
		t.Fatalf("got %d items from surviving chunks, want 2", len(result.Items))
	}
}

func TestBatchTotalFailureReturnsError(t *testing.T) {
	b := NewBatcher(failRunner(nil), BatchConfig{ChunkSize: 50})
	result, err := b.Process(context.Background(), "fund_nav", market.Params{Keys: batchKeys(60)})

	if err == nil {
		t.Fatal("expected an error when every chunk fails")
	}
	var partial *market.BatchPartialError
	if errors.As(err, &partial) {
		t.Fatal("total failure must not read as partial")
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want wrapped chunk error", err)
	}
	if result.Succeeded != 0 || result.Quality != market.QualityPoor {
		t.Fatalf("result = %d succeeded, quality %s", result.Succeeded, result.Quality)
	}
}

func TestBatchRejectsEmptyKeySet(t *testing.T) {
	b := NewBatcher(okRunner(nil), BatchConfig{})
	_, err := b.Process(context.Background(), "fund_nav", market.Params{})
	var cfgErr *market.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestBatchGateBoundsChunkParallelism(t *testing.T) {
	var inFlight, highWater int32
	runner := RunnerFunc(func(_ context.Context, category market.Category, _ market.Params) (*market.FetchedItem, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&highWater)
			if cur <= prev || atomic.CompareAndSwapInt32(&highWater, prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return market.NewItem(category, json.RawMessage(`{}`), market.QualityExcellent, market.SourcePoll), nil
	})

	b := NewBatcher(runner, BatchConfig{ChunkSize: 1, MaxConcurrent: 2})
	if _, err := b.Process(context.Background(), "watchlist_quote", market.Params{Keys: batchKeys(8)}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&highWater); got > 2 {
		t.Fatalf("chunk parallelism high water = %d, want <= 2", got)
	}
}

func TestBatchChunksCarryOriginalExtras(t *testing.T) {
	var sawAdjust int32
	runner := RunnerFunc(func(_ context.Context, category market.Category, params market.Params) (*market.FetchedItem, error) {
		if params.Extra["adjust"] == "qfq" {
			atomic.AddInt32(&sawAdjust, 1)
		}
		return market.NewItem(category, json.RawMessage(`{}`), market.QualityExcellent, market.SourcePoll), nil
	})

	b := NewBatcher(runner, BatchConfig{ChunkSize: 2})
	params := market.Params{Keys: batchKeys(6), Extra: map[string]string{"adjust": "qfq"}}
	if _, err := b.Process(context.Background(), "watchlist_quote", params); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&sawAdjust); got != 3 {
		t.Fatalf("extras reached %d of 3 chunks", got)
	}
}
