// SPDX-License-Identifier: MIT

package tv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// vendorCall is one decoded client->server method invocation.
type vendorCall struct {
	method string
	params []json.RawMessage
}

// vendorScript reacts to client method calls on one mock socket session.
type vendorScript func(s *vendorSession, c vendorCall)

// vendorSession is one accepted WebSocket on the mock vendor.
type vendorSession struct {
	t  *testing.T
	ws *websocket.Conn

	writeMu      sync.Mutex
	chartSession string

	calls chan vendorCall
	raw   chan string // raw client messages, framing included

	mu      sync.Mutex
	history []string // every method seen, in order
}

// send frames a payload and writes it to the client.
func (s *vendorSession) send(payload string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = s.ws.WriteMessage(websocket.TextMessage, []byte(EncodeFrame(payload)))
}

func (s *vendorSession) sawMethod(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.history {
		if m == method {
			return true
		}
	}
	return false
}

// mockVendor is a scripted stand-in for the charting vendor's WebSocket
// endpoint.
type mockVendor struct {
	t      *testing.T
	srv    *httptest.Server
	script vendorScript

	sessions chan *vendorSession

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newMockVendor(t *testing.T, script vendorScript) *mockVendor {
	t.Helper()
	v := &mockVendor{t: t, script: script, sessions: make(chan *vendorSession, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conns = append(v.conns, ws)
		v.mu.Unlock()

		s := &vendorSession{t: t, ws: ws, calls: make(chan vendorCall, 64), raw: make(chan string, 256)}
		v.sessions <- s
		v.serve(s)
	}))
	return v
}

func (v *mockVendor) wsURL() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *mockVendor) serve(s *vendorSession) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.raw <- string(data):
		default:
		}
		payloads, err := SplitFrames(string(data))
		if err != nil {
			continue
		}
		for _, payload := range payloads {
			if _, ok := HeartbeatToken(payload); ok {
				continue
			}
			var env envelope
			if json.Unmarshal([]byte(payload), &env) != nil || env.M == "" {
				continue
			}
			call := vendorCall{method: env.M, params: env.P}
			if env.M == methodChartCreateSession {
				s.chartSession = paramString(env.P, 0)
			}
			s.mu.Lock()
			s.history = append(s.history, env.M)
			s.mu.Unlock()
			select {
			case s.calls <- call:
			default:
			}
			if v.script != nil {
				v.script(s, call)
			}
		}
	}
}

// Close force-closes all accepted sockets before stopping the HTTP server so
// Close never blocks on a hijacked connection.
func (v *mockVendor) Close() {
	v.mu.Lock()
	for _, ws := range v.conns {
		_ = ws.Close()
	}
	v.mu.Unlock()
	v.srv.Close()
}

// nextSession waits for the vendor to accept a connection.
func (v *mockVendor) nextSession(t *testing.T) *vendorSession {
	t.Helper()
	select {
	case s := <-v.sessions:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for vendor session")
		return nil
	}
}

// awaitCall consumes calls until method arrives, failing after a timeout.
func awaitCall(t *testing.T, s *vendorSession, method string) vendorCall {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-s.calls:
			if c.method == method {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", method)
		}
	}
}

func paramInt(p []json.RawMessage, i int) int {
	if i >= len(p) {
		return 0
	}
	var n int
	_ = json.Unmarshal(p[i], &n)
	return n
}

// barsJSON builds a timescale_update s-array with n daily bars on the epoch
// grid.
func barsJSON(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		ts := int64(86400 * (i + 1))
		fmt.Fprintf(&b, `{"i":%d,"v":[%d,100,110,95,105,%d]}`, i, ts, 1000+i)
	}
	return b.String()
}

func pointsJSON(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		ts := int64(86400 * (i + 1))
		fmt.Fprintf(&b, `{"i":%d,"v":[%d,10,20,-5,12]}`, i, ts)
	}
	return b.String()
}

// defaultVendorScript answers the happy path: symbols resolve, series deliver
// the requested bar count in one frame, studies deliver five points.
func defaultVendorScript(s *vendorSession, c vendorCall) {
	switch c.method {
	case methodResolveSymbol:
		symbolID := paramString(c.params, 1)
		s.send(fmt.Sprintf(`{"m":"symbol_resolved","p":[%q,%q,{"pro_name":"NSE:TCS","description":"Tata Consultancy","minmov":5,"pricescale":100}]}`,
			s.chartSession, symbolID))
	case methodCreateSeries, methodModifySeries:
		seriesID := paramString(c.params, 1)
		barCount := paramInt(c.params, 5)
		s.send(fmt.Sprintf(`{"m":"series_loading","p":[%q,%q]}`, s.chartSession, seriesID))
		s.send(fmt.Sprintf(`{"m":"timescale_update","p":[%q,{%q:{"s":[%s]}}]}`,
			s.chartSession, seriesID, barsJSON(barCount)))
		s.send(fmt.Sprintf(`{"m":"series_completed","p":[%q,%q]}`, s.chartSession, seriesID))
	case methodCreateStudy:
		studyID := paramString(c.params, 1)
		s.send(fmt.Sprintf(`{"m":"du","p":[%q,{%q:{"st":[%s]}}]}`, s.chartSession, studyID, pointsJSON(5)))
		s.send(fmt.Sprintf(`{"m":"study_completed","p":[%q,%q]}`, s.chartSession, studyID))
	}
}

func testConnOptions(v *mockVendor) Options {
	return Options{
		WSURL:           v.wsURL(),
		Origin:          "https://example.test",
		HeartbeatIdle:   30 * time.Second,
		WriterQueueSize: 32,
		BackoffBase:     20 * time.Millisecond,
		BackoffCap:      100 * time.Millisecond,
	}
}

// startTestConn runs a supervised connection against the mock vendor and
// waits for it to become Ready.
func startTestConn(t *testing.T, v *mockVendor, mutate func(*Options)) (*Conn, chan int) {
	t.Helper()
	opts := testConnOptions(v)
	if mutate != nil {
		mutate(&opts)
	}
	ready := make(chan int, 16)
	c := newConn(0, opts, func(i int) {
		select {
		case ready <- i:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("connection supervisor did not stop")
		}
	})
	waitReady(t, ready)
	return c, ready
}

func waitReady(t *testing.T, ready <-chan int) {
	t.Helper()
	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never became ready")
	}
}
