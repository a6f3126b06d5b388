// SPDX-License-Identifier: MIT

package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/chartgate/internal/chart"
)

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("NSE:SYM%02d", i)
	}
	return out
}

func okFetch(ctx context.Context, req chart.Request) (*chart.Payload, error) {
	return &chart.Payload{
		Symbol:     req.Symbol,
		Resolution: req.Resolution,
		Bars:       []chart.Bar{{Time: 86400, Close: 1}},
	}, nil
}

func TestSplitBatches(t *testing.T) {
	batches := splitBatches(symbols(40), 18)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 18)
	assert.Len(t, batches[1], 18)
	assert.Len(t, batches[2], 4)

	assert.Len(t, splitBatches(symbols(18), 18), 1)
	assert.Empty(t, splitBatches(nil, 18))
}

func TestRunSingleBatch(t *testing.T) {
	r := NewRunner(okFetch, 18, 5)

	var mu sync.Mutex
	var progressCalls []Progress
	agg, err := r.Run(context.Background(), Job{
		Symbols:     symbols(18),
		Resolutions: []string{"1D"},
		BarCount:    300,
	}, func(p Progress) {
		mu.Lock()
		progressCalls = append(progressCalls, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, 18, agg.TotalCharts)
	assert.Equal(t, 18, agg.SuccessfulCharts)
	assert.Zero(t, agg.FailedCharts)
	require.Len(t, progressCalls, 1)
	assert.Equal(t, 0, progressCalls[0].Index)
	assert.Len(t, progressCalls[0].Symbols, 18)
	assert.Len(t, progressCalls[0].Results, 18)
}

func TestRunCrossProduct(t *testing.T) {
	r := NewRunner(okFetch, 18, 5)
	agg, err := r.Run(context.Background(), Job{
		Symbols:     []string{"NSE:RELIANCE", "NSE:TCS", "NSE:INFY"},
		Resolutions: []string{"1D", "60"},
		BarCount:    100,
	}, nil)
	require.NoError(t, err)

	require.Equal(t, 6, agg.TotalCharts)
	// Result order is combination order: symbol-major, resolution-minor.
	assert.Equal(t, "NSE:RELIANCE", agg.Results[0].Symbol)
	assert.Equal(t, "1D", agg.Results[0].Resolution)
	assert.Equal(t, "NSE:RELIANCE", agg.Results[1].Symbol)
	assert.Equal(t, "60", agg.Results[1].Resolution)
	assert.Equal(t, "NSE:INFY", agg.Results[5].Symbol)
}

func TestRunRecordsFailuresWithoutAborting(t *testing.T) {
	fetch := func(ctx context.Context, req chart.Request) (*chart.Payload, error) {
		if req.Symbol == "NSE:BAD" {
			return nil, chart.NewError(chart.KindSymbolNotResolved, "no such symbol")
		}
		return okFetch(ctx, req)
	}
	r := NewRunner(fetch, 18, 5)
	agg, err := r.Run(context.Background(), Job{
		Symbols:     []string{"NSE:TCS", "NSE:BAD", "NSE:INFY"},
		Resolutions: []string{"1D"},
		BarCount:    100,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, agg.TotalCharts)
	assert.Equal(t, 2, agg.SuccessfulCharts)
	assert.Equal(t, 1, agg.FailedCharts)
	require.NotNil(t, agg.Results[1].Error)
	assert.Equal(t, chart.KindSymbolNotResolved, agg.Results[1].Error.Kind)
	assert.Nil(t, agg.Results[1].Payload)
}

func TestRunBoundsParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	fetch := func(ctx context.Context, req chart.Request) (*chart.Payload, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return okFetch(ctx, req)
	}
	r := NewRunner(fetch, 18, 5)
	_, err := r.Run(context.Background(), Job{
		Symbols:     symbols(18),
		Resolutions: []string{"1D"},
		BarCount:    100,
	}, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(5))
}

func TestRunSequentialBatches(t *testing.T) {
	var order []int
	var mu sync.Mutex
	r := NewRunner(okFetch, 2, 2)
	_, err := r.Run(context.Background(), Job{
		Symbols:     symbols(5),
		Resolutions: []string{"1D"},
		BarCount:    100,
	}, func(p Progress) {
		mu.Lock()
		order = append(order, p.Index)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(fctx context.Context, req chart.Request) (*chart.Payload, error) {
		cancel()
		<-fctx.Done()
		return nil, fctx.Err()
	}
	r := NewRunner(fetch, 1, 1)
	_, err := r.Run(ctx, Job{
		Symbols:     symbols(3),
		Resolutions: []string{"1D"},
		BarCount:    100,
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunEmptyJob(t *testing.T) {
	r := NewRunner(okFetch, 18, 5)
	for _, job := range []Job{
		{Resolutions: []string{"1D"}},
		{Symbols: symbols(1)},
	} {
		_, err := r.Run(context.Background(), job, nil)
		require.Error(t, err)
		assert.Equal(t, chart.KindValidation, chart.AsError(err).Kind)
	}
}
