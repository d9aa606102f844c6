package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	defaultChunkSize     = 50
	defaultBatchParallel = 3
)

// BatchConfig tunes a Batcher.
type BatchConfig struct {
	// ChunkSize is the maximum keys per upstream request.
	ChunkSize int
	// MaxConcurrent bounds chunks in flight at once.
	MaxConcurrent int64
	Logger        logging.Logger
	Metrics       *metrics.Metrics
}

// ChunkError names one failed chunk of a batch.
type ChunkError struct {
	Index int      `json:"index"`
	Keys  []string `json:"keys"`
	Err   error    `json:"-"`
}

// BatchResult aggregates one batched acquisition. Succeeded and Failed
// count keys, not chunks; Items holds one payload per successful chunk in
// chunk order.
type BatchResult struct {
	Category  market.Category       `json:"category"`
	Chunks    int                   `json:"chunks"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Quality   market.Quality        `json:"quality"`
	Items     []*market.FetchedItem `json:"-"`
	Errors    []ChunkError          `json:"errors,omitempty"`
}

// Batcher splits a large key set into chunks and fetches them with bounded
// parallelism. A chunk is all-or-nothing: one upstream request either
// yields a payload covering all its keys or fails for all of them.
type Batcher struct {
	runner    Runner
	chunkSize int
	gate      *semaphore.Weighted
	logger    logging.Logger
	metrics   *metrics.Metrics
}

// NewBatcher creates a batcher that fetches chunks through runner.
func NewBatcher(runner Runner, cfg BatchConfig) *Batcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultBatchParallel
	}
	return &Batcher{
		runner:    runner,
		chunkSize: cfg.ChunkSize,
		gate:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Process fetches params.Keys in chunks of the configured size and
// aggregates the results. Full success returns a nil error; a mix returns
// BatchPartialError alongside the completed items; total failure returns
// the first chunk's error.
func (b *Batcher) Process(ctx context.Context, category market.Category, params market.Params) (*BatchResult, error) {
	return b.ProcessChunked(ctx, category, params, b.chunkSize)
}

// ProcessChunked is Process with a per-call chunk size, letting callers
// apply a category's own batch limit. A non-positive size falls back to
// the configured default.
func (b *Batcher) ProcessChunked(ctx context.Context, category market.Category, params market.Params, chunkSize int) (*BatchResult, error) {
	if len(params.Keys) == 0 {
		return nil, &market.ConfigError{Field: "params.keys", Reason: "batch fetch needs at least one key"}
	}
	if chunkSize <= 0 {
		chunkSize = b.chunkSize
	}

	chunks := partition(params.Keys, chunkSize)
	items := make([]*market.FetchedItem, len(chunks))
	errs := make([]error, len(chunks))

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, keys []string) {
			defer wg.Done()
			if err := b.gate.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return
			}
			defer b.gate.Release(1)
			if b.metrics != nil && b.metrics.BatchGateInUse != nil {
				b.metrics.BatchGateInUse.Inc()
				defer b.metrics.BatchGateInUse.Dec()
			}
			items[i], errs[i] = b.runner.Run(ctx, category, params.WithKeys(keys))
		}(i, chunk)
	}
	wg.Wait()

	result := &BatchResult{Category: category, Chunks: len(chunks)}
	var failedChunks int
	for i, chunk := range chunks {
		if errs[i] != nil {
			failedChunks++
			result.Failed += len(chunk)
			result.Errors = append(result.Errors, ChunkError{Index: i, Keys: chunk, Err: errs[i]})
			continue
		}
		result.Succeeded += len(chunk)
		result.Items = append(result.Items, items[i])
	}
	result.Quality = market.QualityFromRatio(float64(result.Succeeded) / float64(len(params.Keys)))

	if b.metrics != nil && b.metrics.BatchQuality != nil {
		b.metrics.BatchQuality.WithLabelValues(string(category), string(result.Quality)).Inc()
	}
	b.log(result)

	switch {
	case failedChunks == 0:
		return result, nil
	case failedChunks == len(chunks):
		return result, fmt.Errorf("batch %s failed: %w", category, result.Errors[0].Err)
	default:
		return result, &market.BatchPartialError{
			Category:  category,
			Completed: len(chunks) - failedChunks,
			Failed:    failedChunks,
			Quality:   result.Quality,
		}
	}
}

func (b *Batcher) log(result *BatchResult) {
	if b.logger == nil {
		return
	}
	fields := logging.Fields{
		"category":  string(result.Category),
		"chunks":    result.Chunks,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"quality":   string(result.Quality),
	}
	if result.Failed > 0 {
		b.logger.WithFields(fields).Warn("Batch fetch degraded")
		return
	}
	b.logger.WithFields(fields).Debug("Batch fetch completed")
}

// partition splits keys into consecutive chunks of at most size. Every key
// lands in exactly one chunk and order is preserved.
func partition(keys []string, size int) [][]string {
	chunks := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}
