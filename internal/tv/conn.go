// SPDX-License-Identifier: MIT

package tv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/metrics"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State string

const (
	StateDialing        State = "dialing"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateInFlight       State = "in_flight"
	StateDraining       State = "draining"
	StateClosed         State = "closed"
)

// unauthorizedToken is the vendor's anonymous auth token, used until a
// request supplies a real JWT.
const unauthorizedToken = "unauthorized_user_token"

var (
	errWriteQueueFull = errors.New("tv: writer queue full")
	errNotReady       = errors.New("tv: connection not ready")
	errDrained        = errors.New("tv: connection drained")
)

// Options configures a single supervised connection.
type Options struct {
	WSURL           string
	Origin          string
	HeartbeatIdle   time.Duration
	WriterQueueSize int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// subscriberBuffer bounds the event queue between the protocol engine and
// the coordinator borrowing the connection.
const subscriberBuffer = 64

// Conn is one supervised vendor connection: a WebSocket, its reader and
// writer tasks, slot bookkeeping and the reconnect loop. The pool owns
// connections by index; at most one request runs on a connection at a time.
type Conn struct {
	idx    int
	opts   Options
	logger zerolog.Logger

	// notifyReady is the pool's hook, invoked whenever the connection
	// (re-)enters Ready outside a borrow.
	notifyReady func(idx int)

	mu                  sync.Mutex
	state               State
	borrowed            bool
	authToken           string
	chartSession        string
	slots               *slotTable
	subscriber          chan Event
	writeQ              chan string
	lastRead            time.Time
	consecutiveFailures int

	done chan struct{}
}

func newConn(idx int, opts Options, notifyReady func(int)) *Conn {
	return &Conn{
		idx:         idx,
		opts:        opts,
		notifyReady: notifyReady,
		logger:      log.Derive(func(c *zerolog.Context) { *c = c.Str(log.FieldComponent, "tv-conn").Int(log.FieldConnID, idx) }),
		state:       StateClosed,
		slots:       newSlotTable(),
		done:        make(chan struct{}),
	}
}

// ID returns the pool index of the connection.
func (c *Conn) ID() int { return c.idx }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	borrowed := c.borrowed
	c.mu.Unlock()
	if old == s {
		return
	}
	c.logger.Debug().
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(s)).
		Str(log.FieldEvent, "conn.state").
		Msg("connection state change")
	if s == StateReady && !borrowed && c.notifyReady != nil {
		c.notifyReady(c.idx)
	}
}

// run is the supervisor loop: dial, authenticate, pump, and on failure back
// off and redial until ctx is cancelled.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateClosed)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = c.opts.BackoffCap

	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := c.session(ctx)
		c.failSubscriber()
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.consecutiveFailures++
		failures := c.consecutiveFailures
		c.mu.Unlock()

		// A session that survived a while counts as a recovery.
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		metrics.RecordReconnect("scheduled")
		c.logger.Warn().Err(err).
			Int("consecutive_failures", failures).
			Str(log.FieldEvent, "conn.session_ended").
			Msg("connection session ended, scheduling reconnect")

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// session runs one socket lifetime: dial, authenticate, replay slot
// intentions, then pump frames until a fatal error.
func (c *Conn) session(ctx context.Context) error {
	c.setState(StateDialing)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.opts.Origin != "" {
		header.Set("Origin", c.opts.Origin)
	}
	ws, res, err := dialer.DialContext(ctx, c.opts.WSURL, header)
	if err != nil {
		if res != nil {
			return fmt.Errorf("tv: dial failed (HTTP %d): %w", res.StatusCode, err)
		}
		return fmt.Errorf("tv: dial failed: %w", err)
	}
	defer func() { _ = ws.Close() }()

	sockCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeQ := make(chan string, c.opts.WriterQueueSize)
	c.mu.Lock()
	c.writeQ = writeQ
	c.mu.Unlock()

	writerErr := make(chan error, 1)
	go func() { writerErr <- c.writer(sockCtx, ws, writeQ) }()

	c.setState(StateAuthenticating)
	if err := c.authenticate(); err != nil {
		return err
	}
	if err := c.replayIntentions(); err != nil {
		return err
	}

	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
	c.setState(StateReady)

	c.mu.Lock()
	c.lastRead = time.Now()
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(sockCtx, ws) }()
	hbErr := make(chan error, 1)
	go func() { hbErr <- c.heartbeatMonitor(sockCtx) }()

	select {
	case <-ctx.Done():
		c.setState(StateDraining)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return ctx.Err()
	case err := <-writerErr:
		c.setState(StateDraining)
		return fmt.Errorf("tv: writer failed: %w", err)
	case err := <-readErr:
		c.setState(StateDraining)
		return err
	case err := <-hbErr:
		c.setState(StateDraining)
		return err
	}
}

// authenticate sends the auth sequence for a fresh socket: token, chart
// session, and nothing else until a request arrives.
func (c *Conn) authenticate() error {
	c.mu.Lock()
	token := c.authToken
	if token == "" {
		token = unauthorizedToken
	}
	c.chartSession = "cs_" + randomTag()
	session := c.chartSession
	c.mu.Unlock()

	if err := c.send(methodSetAuthToken, token); err != nil {
		return err
	}
	return c.send(methodChartCreateSession, session, "")
}

// replayIntentions re-creates series and study slots recorded before a
// reconnect so the next request sees a warm connection.
func (c *Conn) replayIntentions() error {
	c.mu.Lock()
	session := c.chartSession
	type seriesReplay struct {
		id   string
		slot SeriesSlot
	}
	var series []seriesReplay
	for id, s := range c.slots.series {
		series = append(series, seriesReplay{id: id, slot: *s})
	}
	c.mu.Unlock()

	for _, s := range series {
		if err := c.send(methodResolveSymbol, session, s.slot.SymbolID, symbolSpec(s.slot.Symbol)); err != nil {
			return err
		}
		if err := c.send(methodCreateSeries, session, s.id, "s1", s.slot.SymbolID, s.slot.Resolution, s.slot.BarCount, ""); err != nil {
			return err
		}
	}
	return nil
}

// writer drains the bounded queue onto the socket, preserving enqueue order.
func (c *Conn) writer(ctx context.Context, ws *websocket.Conn, q chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-q:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return err
			}
		}
	}
}

// readLoop pumps inbound messages: heartbeats are echoed immediately, events
// are parsed and routed. Heartbeat-idle supervision lives in
// heartbeatMonitor; the socket read deadline only guards against a wedged
// peer and must stay comfortably beyond the two idle windows the monitor
// allows, because gorilla read errors are sticky and poison the conn.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = ws.SetReadDeadline(time.Now().Add(3 * c.opts.HeartbeatIdle))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("tv: read failed: %w", err)
		}
		c.mu.Lock()
		c.lastRead = time.Now()
		c.mu.Unlock()

		payloads, err := SplitFrames(string(data))
		if err != nil {
			// Unknown framing is logged and dropped, never fatal.
			c.logger.Warn().Err(err).Str(log.FieldEvent, "conn.bad_frame").Msg("dropping unparseable message")
			continue
		}

		for _, payload := range payloads {
			if _, ok := HeartbeatToken(payload); ok {
				metrics.RecordHeartbeat("echoed")
				if err := c.enqueue(EncodeFrame(payload)); err != nil {
					// A writer queue full of pending heartbeats means a dead peer.
					return err
				}
				continue
			}
			if err := c.handleEvent(payload); err != nil {
				return err
			}
		}
	}
}

// heartbeatMonitor enforces the idle contract: one silent idle window gets a
// client-side ping through the writer queue, a second consecutive silent
// window fails the session. Any inbound traffic resets the count.
func (c *Conn) heartbeatMonitor(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatIdle)
	defer ticker.Stop()

	missed := 0
	pingSeq := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		c.mu.Lock()
		silent := time.Since(c.lastRead)
		c.mu.Unlock()
		if silent < c.opts.HeartbeatIdle {
			missed = 0
			continue
		}

		missed++
		if missed >= 2 {
			return fmt.Errorf("tv: %d consecutive heartbeat windows missed", missed)
		}
		pingSeq++
		metrics.RecordHeartbeat("ping")
		if err := c.enqueue(EncodeFrame(fmt.Sprintf("~h~%d", pingSeq))); err != nil {
			return err
		}
	}
}

// handleEvent parses and routes one event payload. Fatal protocol errors
// return an error to drain the connection.
func (c *Conn) handleEvent(payload string) error {
	ev, err := ParseEvent(payload)
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldEvent, "conn.bad_event").Msg("dropping malformed event")
		return nil
	}
	if ev.Type == EventUnknown {
		c.logger.Debug().
			Str("method", ev.Method).
			Str(log.FieldEvent, "conn.unknown_method").
			Msg("dropping unknown vendor method")
		return nil
	}
	metrics.ProtocolEventTotal.WithLabelValues(string(ev.Type)).Inc()

	if ev.Type == EventTimescaleUpdate || ev.Type == EventDataUpdate {
		c.mu.Lock()
		now := time.Now()
		for slotID := range ev.Updates {
			c.slots.touch(slotID, now)
		}
		c.mu.Unlock()
	}

	c.forward(ev)

	switch ev.Type {
	case EventCriticalError:
		return fmt.Errorf("tv: critical_error from vendor: %s", ev.Message)
	case EventProtocolError:
		return fmt.Errorf("tv: protocol_error from vendor: %s", ev.Message)
	}
	return nil
}

// forward hands an event to the subscribed coordinator, dropping it when
// nobody is borrowing the connection or the buffer is full.
func (c *Conn) forward(ev Event) {
	c.mu.Lock()
	sub := c.subscriber
	c.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub <- ev:
	default:
		c.logger.Warn().
			Str("type", string(ev.Type)).
			Str(log.FieldEvent, "conn.subscriber_overflow").
			Msg("dropping event, subscriber queue full")
	}
}

// failSubscriber closes the attached subscriber channel, signalling a
// transport failure to any in-flight coordinator.
func (c *Conn) failSubscriber() {
	c.mu.Lock()
	sub := c.subscriber
	c.subscriber = nil
	c.mu.Unlock()
	if sub != nil {
		close(sub)
	}
}

// Subscribe attaches the borrowing coordinator to the event stream. The
// returned cancel detaches it; a closed channel means the connection
// drained mid-request.
func (c *Conn) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.mu.Lock()
	c.subscriber = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if c.subscriber == ch {
			c.subscriber = nil
		}
		c.mu.Unlock()
	}
}

// EnsureAuth re-issues set_auth_token when the request carries a different
// JWT than the one the connection authenticated with.
func (c *Conn) EnsureAuth(jwt string) error {
	c.mu.Lock()
	same := c.authToken == jwt
	c.authToken = jwt
	c.mu.Unlock()
	if same || jwt == "" {
		return nil
	}
	return c.send(methodSetAuthToken, jwt)
}

// RequestSeries issues create_series for the first request on a connection
// and modify_series afterwards: symbol switches reuse the existing slot and
// never remove it.
func (c *Conn) RequestSeries(symbol, resolution string, barCount int) (seriesID string, created bool, err error) {
	c.mu.Lock()
	session := c.chartSession
	id, slot := c.slots.reusableSeries()

	if slot == nil {
		symbolID := c.slots.allocSymbolID()
		id = c.slots.allocSeriesID()
		c.slots.putSeries(id, &SeriesSlot{
			Symbol: symbol, Resolution: resolution, BarCount: barCount,
			SymbolID: symbolID, LastActivity: time.Now(),
		})
		c.mu.Unlock()

		if err := c.send(methodResolveSymbol, session, symbolID, symbolSpec(symbol)); err != nil {
			return "", false, err
		}
		if err := c.send(methodCreateSeries, session, id, "s1", symbolID, resolution, barCount, ""); err != nil {
			return "", false, err
		}
		return id, true, nil
	}

	resolveNeeded := slot.Symbol != symbol
	if resolveNeeded {
		slot.SymbolID = c.slots.allocSymbolID()
	}
	slot.Symbol = symbol
	slot.Resolution = resolution
	slot.BarCount = barCount
	slot.LastActivity = time.Now()
	symbolID := slot.SymbolID
	c.mu.Unlock()

	if resolveNeeded {
		if err := c.send(methodResolveSymbol, session, symbolID, symbolSpec(symbol)); err != nil {
			return "", false, err
		}
	}
	if err := c.send(methodModifySeries, session, id, "s1", symbolID, resolution, barCount); err != nil {
		return "", false, err
	}
	return id, false, nil
}

// RequestStudy attaches the CVD study to a series slot. An existing study on
// the slot is removed first; studies are cheap to recreate and carry the
// request's anchor and timeframe in their inputs.
func (c *Conn) RequestStudy(seriesID string, cfg *StudyConfig, anchorPeriod, timeframe string) (string, error) {
	c.mu.Lock()
	session := c.chartSession
	oldID, _ := c.slots.studyFor(seriesID)
	if oldID != "" {
		delete(c.slots.studies, oldID)
	}
	studyID := c.slots.allocStudyID()
	c.slots.putStudy(studyID, &StudySlot{StudyName: "CVD", ParentSeries: seriesID})
	c.mu.Unlock()

	if oldID != "" {
		if err := c.send(methodRemoveStudy, session, oldID); err != nil {
			return "", err
		}
	}

	inputs := map[string]any{
		"text":        cfg.ILTemplate,
		"pineId":      cfg.ScriptID,
		"pineVersion": cfg.ScriptVersion,
		"in_0":        studyInput(anchorPeriod, "text"),
	}
	if timeframe != "" {
		inputs["in_1"] = studyInput(timeframe, "resolution")
	}
	if err := c.send(methodCreateStudy, session, studyID, "st1", seriesID, "Script@tv-scripting-101!", inputs); err != nil {
		return "", err
	}
	return studyID, nil
}

// RemoveSeries tears down a series slot explicitly. Symbol switches do not
// use this; it exists for pool shutdown hygiene and tests.
func (c *Conn) RemoveSeries(seriesID string) error {
	c.mu.Lock()
	session := c.chartSession
	delete(c.slots.series, seriesID)
	c.mu.Unlock()
	return c.send(methodRemoveSeries, session, seriesID)
}

// tryBorrow transitions Ready -> InFlight. Only the pool calls this.
func (c *Conn) tryBorrow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.borrowed {
		return false
	}
	c.state = StateInFlight
	c.borrowed = true
	return true
}

// endBorrow releases the connection after a request. If the socket survived,
// the connection returns to Ready; a drained connection stays with its
// supervisor.
func (c *Conn) endBorrow() (ready bool) {
	c.mu.Lock()
	c.borrowed = false
	if c.state == StateInFlight {
		c.state = StateReady
		ready = true
	}
	c.mu.Unlock()
	return ready
}

func (c *Conn) send(method string, params ...any) error {
	msg, err := EncodeMessage(method, params...)
	if err != nil {
		return err
	}
	return c.enqueue(EncodeFrame(msg))
}

func (c *Conn) enqueue(frame string) error {
	c.mu.Lock()
	q := c.writeQ
	c.mu.Unlock()
	if q == nil {
		return errNotReady
	}
	select {
	case q <- frame:
		return nil
	default:
		return errWriteQueueFull
	}
}

// symbolSpec builds the resolve_symbol parameter: '=' plus a JSON object
// selecting split adjustment.
func symbolSpec(symbol string) string {
	spec, _ := json.Marshal(map[string]string{"adjustment": "splits", "symbol": symbol})
	return "=" + string(spec)
}

func studyInput(value, kind string) map[string]any {
	return map[string]any{"v": value, "f": true, "t": kind}
}

func randomTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
