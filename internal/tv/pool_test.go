// SPDX-License-Identifier: MIT

package tv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quantfeed/chartgate/internal/chart"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newTestPool(t *testing.T, v *mockVendor, size int, acquireTimeout time.Duration) *Pool {
	t.Helper()
	p := NewPool(PoolOptions{
		Size:              size,
		AcquireTimeout:    acquireTimeout,
		Conn:              testConnOptions(v),
		StudyConfigURL:    "http://127.0.0.1:0/unused",
		StudyFetchTimeout: 100 * time.Millisecond,
	})
	p.Start(context.Background())
	t.Cleanup(func() { p.Shutdown(3 * time.Second) })
	return p
}

func TestPoolFetchChart(t *testing.T) {
	v := newMockVendor(t, defaultVendorScript)
	defer v.Close()
	p := newTestPool(t, v, 2, time.Second)

	req := chart.Request{Symbol: "NSE:TCS", Resolution: "D", BarCount: 10}
	payload, err := p.FetchChart(context.Background(), "jwt-token", req, 3*time.Second)
	require.NoError(t, err)
	assert.Len(t, payload.Bars, 10)
}

func TestPoolAcquireRelease(t *testing.T) {
	v := newMockVendor(t, defaultVendorScript)
	defer v.Close()
	p := newTestPool(t, v, 1, 100*time.Millisecond)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, c.State())

	// The only connection is borrowed: the next acquire must fail typed.
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	ce := chart.AsError(err)
	assert.Equal(t, chart.KindPoolExhausted, ce.Kind)
	assert.True(t, ce.Retriable)

	p.Release(c)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, c2)
	p.Release(c2)
}

func TestPoolSerializesRequestsPerConn(t *testing.T) {
	v := newMockVendor(t, defaultVendorScript)
	defer v.Close()
	p := newTestPool(t, v, 1, 2*time.Second)

	// Two back-to-back fetches share one connection; the second must reuse
	// the series slot rather than creating a fresh one.
	ctx := context.Background()
	_, err := p.FetchChart(ctx, "jwt", chart.Request{Symbol: "NSE:TCS", Resolution: "D", BarCount: 5}, 3*time.Second)
	require.NoError(t, err)
	_, err = p.FetchChart(ctx, "jwt", chart.Request{Symbol: "NSE:INFY", Resolution: "D", BarCount: 5}, 3*time.Second)
	require.NoError(t, err)

	s := v.nextSession(t)
	assert.True(t, s.sawMethod(methodCreateSeries))
	assert.True(t, s.sawMethod(methodModifySeries))
	assert.False(t, s.sawMethod(methodRemoveSeries))
}

// Cancelling a request must hand the connection straight back to the pool.
func TestPoolCancellationReleasesSlot(t *testing.T) {
	stall := func(s *vendorSession, c vendorCall) {
		if c.method == methodCreateSeries {
			s.send(fmt.Sprintf(`{"m":"series_loading","p":[%q,%q]}`, s.chartSession, paramString(c.params, 1)))
		}
	}
	v := newMockVendor(t, stall)
	defer v.Close()
	p := newTestPool(t, v, 1, 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		req := chart.Request{Symbol: "NSE:TCS", Resolution: "D", BarCount: 10}
		_, err := p.FetchChart(ctx, "jwt", req, 10*time.Second)
		errCh <- err
	}()

	s := v.nextSession(t)
	awaitCall(t, s, methodCreateSeries)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("fetch did not return after cancellation")
	}

	// The connection survived the cancellation and is immediately reusable.
	start := time.Now()
	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StateInFlight, c.State())
	p.Release(c)
}

func TestPoolStatus(t *testing.T) {
	v := newMockVendor(t, defaultVendorScript)
	defer v.Close()
	p := newTestPool(t, v, 2, time.Second)

	// Both connections come up; wait for the second dial to settle.
	require.Eventually(t, func() bool {
		ready := 0
		for _, cs := range p.Status().Connections {
			if cs.State == StateReady {
				ready++
			}
		}
		return ready == 2
	}, 3*time.Second, 20*time.Millisecond)

	status := p.Status()
	assert.Equal(t, 2, status.Size)
	assert.Len(t, status.Connections, 2)
	assert.False(t, status.Degraded)
	assert.Nil(t, status.DegradedSince)
}

func TestPoolStartIdempotent(t *testing.T) {
	v := newMockVendor(t, defaultVendorScript)
	defer v.Close()
	p := newTestPool(t, v, 1, time.Second)
	p.Start(context.Background()) // second start is a no-op

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)
}

func TestPoolShutdownBeforeStart(t *testing.T) {
	p := NewPool(PoolOptions{Size: 1, AcquireTimeout: time.Second})
	p.Shutdown(time.Second) // must not panic or block
}
