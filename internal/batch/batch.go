// SPDX-License-Identifier: MIT

// Package batch fans a (symbols x resolutions) job out over the acquisition
// core in fixed-size symbol batches with bounded parallelism.
package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/chartgate/internal/chart"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/metrics"
)

// DefaultBatchSize is the symbol batch ceiling, the observed sweet spot for
// a five-connection pool.
const DefaultBatchSize = 18

// FetchFunc retrieves one chart. The orchestrator binds credentials and
// caching before handing its fetch down here.
type FetchFunc func(ctx context.Context, req chart.Request) (*chart.Payload, error)

// Job is one fanout request: every symbol is fetched at every resolution.
type Job struct {
	Symbols     []string         `json:"symbols"`
	Resolutions []string         `json:"resolutions"`
	BarCount    int              `json:"barCount"`
	CVD         chart.CVDOptions `json:"cvd"`
}

// ChartResult is the outcome of one (symbol, resolution) fetch.
type ChartResult struct {
	Symbol     string         `json:"symbol"`
	Resolution string         `json:"resolution"`
	Payload    *chart.Payload `json:"payload,omitempty"`
	Error      *chart.Error   `json:"error,omitempty"`
	Duration   time.Duration  `json:"durationMs"`
}

// Progress describes one completed symbol batch.
type Progress struct {
	Index   int           `json:"index"`
	Total   int           `json:"total"`
	Symbols []string      `json:"symbols"`
	Results []ChartResult `json:"results"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsedMs"`
}

// ProgressFunc receives each completed batch. It runs on the fanout
// goroutine between batches; long callbacks delay the next batch.
type ProgressFunc func(Progress)

// Aggregate is the final fanout summary.
type Aggregate struct {
	TotalCharts      int           `json:"totalCharts"`
	SuccessfulCharts int           `json:"successfulCharts"`
	FailedCharts     int           `json:"failedCharts"`
	AvgChartDuration time.Duration `json:"avgChartDurationMs"`
	Elapsed          time.Duration `json:"elapsedMs"`
	Results          []ChartResult `json:"results"`
}

// Runner executes fanout jobs against a fetch function.
type Runner struct {
	fetch       FetchFunc
	batchSize   int
	parallelism int
	logger      zerolog.Logger
}

// NewRunner builds a runner. Parallelism should equal the pool size; the
// pool serializes per connection anyway, the bound just keeps goroutine
// counts proportionate.
func NewRunner(fetch FetchFunc, batchSize, parallelism int) *Runner {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &Runner{
		fetch:       fetch,
		batchSize:   batchSize,
		parallelism: parallelism,
		logger:      log.WithComponent("batch"),
	}
}

// Run processes the job batch by batch. Individual chart failures are
// recorded, not fatal; Run itself fails only on cancellation or an empty job.
func (r *Runner) Run(ctx context.Context, job Job, progress ProgressFunc) (*Aggregate, error) {
	if len(job.Symbols) == 0 || len(job.Resolutions) == 0 {
		return nil, chart.NewError(chart.KindValidation, "batch job needs at least one symbol and one resolution")
	}

	batchID := uuid.NewString()
	ctx = log.ContextWithBatchID(ctx, batchID)
	logger := r.logger.With().Str(log.FieldBatchID, batchID).Logger()

	batches := splitBatches(job.Symbols, r.batchSize)
	logger.Info().
		Int("symbols", len(job.Symbols)).
		Int("resolutions", len(job.Resolutions)).
		Int("batches", len(batches)).
		Str(log.FieldEvent, "batch.started").
		Msg("fanout started")

	agg := &Aggregate{}
	start := time.Now()
	var totalDuration time.Duration

	for i, symbols := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batchStart := time.Now()
		results := r.runBatch(ctx, symbols, job)

		failed := 0
		for _, res := range results {
			agg.TotalCharts++
			totalDuration += res.Duration
			if res.Error != nil {
				failed++
				agg.FailedCharts++
			} else {
				agg.SuccessfulCharts++
			}
		}
		agg.Results = append(agg.Results, results...)
		metrics.BatchChartsTotal.WithLabelValues("ok").Add(float64(len(results) - failed))
		metrics.BatchChartsTotal.WithLabelValues("error").Add(float64(failed))

		elapsed := time.Since(batchStart)
		logger.Info().
			Int("batch", i+1).
			Int("of", len(batches)).
			Int("charts", len(results)).
			Int("failed", failed).
			Dur("elapsed", elapsed).
			Str(log.FieldEvent, "batch.completed").
			Msg("batch completed")
		if progress != nil {
			progress(Progress{
				Index:   i,
				Total:   len(batches),
				Symbols: symbols,
				Results: results,
				Failed:  failed,
				Elapsed: elapsed,
			})
		}
	}

	agg.Elapsed = time.Since(start)
	if agg.TotalCharts > 0 {
		agg.AvgChartDuration = totalDuration / time.Duration(agg.TotalCharts)
	}
	logger.Info().
		Int("total", agg.TotalCharts).
		Int("successful", agg.SuccessfulCharts).
		Dur("elapsed", agg.Elapsed).
		Str(log.FieldEvent, "batch.finished").
		Msg("fanout finished")
	return agg, nil
}

// runBatch fetches every (symbol, resolution) combination of one batch with
// bounded parallelism. Result order matches combination order regardless of
// completion order.
func (r *Runner) runBatch(ctx context.Context, symbols []string, job Job) []ChartResult {
	type combo struct {
		symbol, resolution string
	}
	combos := make([]combo, 0, len(symbols)*len(job.Resolutions))
	for _, sym := range symbols {
		for _, res := range job.Resolutions {
			combos = append(combos, combo{symbol: sym, resolution: res})
		}
	}

	results := make([]ChartResult, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, cb := range combos {
		i, cb := i, cb
		g.Go(func() error {
			req := chart.Request{
				Symbol:     cb.symbol,
				Resolution: cb.resolution,
				BarCount:   job.BarCount,
				CVD:        job.CVD,
			}
			start := time.Now()
			payload, err := r.fetch(gctx, req)
			res := ChartResult{
				Symbol:     cb.symbol,
				Resolution: cb.resolution,
				Duration:   time.Since(start),
			}
			if err != nil {
				res.Error = chart.AsError(err)
			} else {
				res.Payload = payload
			}
			results[i] = res
			// Chart failures are recorded per result, never group-fatal.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func splitBatches(symbols []string, size int) [][]string {
	var batches [][]string
	for len(symbols) > size {
		batches = append(batches, symbols[:size])
		symbols = symbols[size:]
	}
	if len(symbols) > 0 {
		batches = append(batches, symbols)
	}
	return batches
}
