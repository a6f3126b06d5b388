// SPDX-License-Identifier: MIT

package tv

import (
	"context"
	"sync"
	"time"

	"github.com/quantfeed/chartgate/internal/chart"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/metrics"
	"github.com/rs/zerolog"
)

// degradedWindow is how long the pool tolerates a sub-half-healthy state
// before raising the degraded flag.
const degradedWindow = 60 * time.Second

// PoolOptions configures the connection pool.
type PoolOptions struct {
	Size              int
	AcquireTimeout    time.Duration
	Conn              Options
	StudyConfigURL    string
	StudyFetchTimeout time.Duration
}

// ConnStatus is one connection's slice of the pool status object.
type ConnStatus struct {
	ID    int   `json:"id"`
	State State `json:"state"`
}

// PoolStatus is the structured health object the core exposes.
type PoolStatus struct {
	Size          int          `json:"size"`
	Connections   []ConnStatus `json:"connections"`
	Degraded      bool         `json:"degraded"`
	DegradedSince *time.Time   `json:"degradedSince,omitempty"`
}

// Pool owns a fixed set of supervised connections by index (the arena) and
// hands them to request coordinators one borrow at a time.
type Pool struct {
	opts        PoolOptions
	conns       []*Conn
	avail       chan int
	studies     *StudyProvider
	coordinator *Coordinator
	logger      zerolog.Logger

	mu            sync.Mutex
	inQueue       []bool
	started       bool
	degradedSince time.Time
	degraded      bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool; Start opens the connections.
func NewPool(opts PoolOptions) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	p := &Pool{
		opts:    opts,
		avail:   make(chan int, opts.Size),
		inQueue: make([]bool, opts.Size),
		studies: NewStudyProvider(opts.StudyConfigURL, opts.StudyFetchTimeout),
		logger:  log.WithComponent("pool"),
	}
	p.coordinator = NewCoordinator(p.studies)
	p.conns = make([]*Conn, opts.Size)
	for i := range p.conns {
		p.conns[i] = newConn(i, opts.Conn, p.enqueue)
	}
	return p
}

// Start opens all connections eagerly and begins health monitoring.
// Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for _, c := range p.conns {
		c := c
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			c.run(runCtx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitor(runCtx)
	}()
	p.logger.Info().Int("size", p.opts.Size).Str(log.FieldEvent, "pool.started").Msg("connection pool started")
}

// enqueue marks a connection index available. Duplicate enqueues collapse so
// the buffered channel can never block.
func (p *Pool) enqueue(idx int) {
	p.mu.Lock()
	if p.inQueue[idx] {
		p.mu.Unlock()
		return
	}
	p.inQueue[idx] = true
	p.mu.Unlock()
	p.avail <- idx
}

// Acquire borrows a Ready connection, failing with PoolExhausted after the
// acquire timeout. Closed or draining connections are never handed out.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()
	defer func() { metrics.PoolAcquireDuration.Observe(time.Since(start).Seconds()) }()

	timeout := time.NewTimer(p.opts.AcquireTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, chart.NewError(chart.KindPoolExhausted,
				"no connection available within %s", p.opts.AcquireTimeout)
		case idx := <-p.avail:
			p.mu.Lock()
			p.inQueue[idx] = false
			p.mu.Unlock()
			if p.conns[idx].tryBorrow() {
				return p.conns[idx], nil
			}
			// Connection went unhealthy between enqueue and borrow; its
			// supervisor re-enqueues it once it is Ready again.
		}
	}
}

// Release returns a borrowed connection. Release is safe on every exit path;
// a connection that drained mid-request stays with its supervisor.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	if c.endBorrow() {
		p.enqueue(c.ID())
	}
}

// FetchChart is acquire -> coordinate -> release with guaranteed release.
func (p *Pool) FetchChart(ctx context.Context, jwt string, req chart.Request, budget time.Duration) (*chart.Payload, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(conn)
	return p.coordinator.Run(ctx, conn, jwt, req, budget)
}

// Status reports the structured pool health object.
func (p *Pool) Status() PoolStatus {
	status := PoolStatus{Size: len(p.conns)}
	for _, c := range p.conns {
		status.Connections = append(status.Connections, ConnStatus{ID: c.ID(), State: c.State()})
	}
	p.mu.Lock()
	status.Degraded = p.degraded
	if !p.degradedSince.IsZero() {
		t := p.degradedSince
		status.DegradedSince = &t
	}
	p.mu.Unlock()
	return status
}

// monitor samples connection states for metrics and maintains the degraded
// flag: fewer than half the connections healthy for over a minute.
func (p *Pool) monitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Pool) sample() {
	counts := map[State]int{}
	healthy := 0
	for _, c := range p.conns {
		s := c.State()
		counts[s]++
		if s == StateReady || s == StateInFlight {
			healthy++
		}
	}
	for _, s := range []State{StateDialing, StateAuthenticating, StateReady, StateInFlight, StateDraining, StateClosed} {
		metrics.SetPoolState(string(s), counts[s])
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if healthy*2 >= len(p.conns) {
		p.degradedSince = time.Time{}
		if p.degraded {
			p.degraded = false
			metrics.SetPoolDegraded(false)
			p.logger.Info().Str(log.FieldEvent, "pool.recovered").Msg("pool recovered")
		}
		return
	}
	if p.degradedSince.IsZero() {
		p.degradedSince = time.Now()
		return
	}
	if !p.degraded && time.Since(p.degradedSince) > degradedWindow {
		p.degraded = true
		metrics.SetPoolDegraded(true)
		p.logger.Warn().
			Int("healthy", healthy).
			Int("size", len(p.conns)).
			Str(log.FieldEvent, "pool.degraded").
			Msg("pool degraded, continuing to serve")
	}
}

// StudyProvider exposes the pool-lifetime study config cache.
func (p *Pool) StudyProvider() *StudyProvider {
	return p.studies
}

// Shutdown cancels all supervisors and waits up to grace for in-flight work
// to drain.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started || p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Str(log.FieldEvent, "pool.stopped").Msg("pool drained and stopped")
	case <-time.After(grace):
		p.logger.Warn().Str(log.FieldEvent, "pool.stop_timeout").Msg("pool shutdown grace expired")
	}
}
