// SPDX-License-Identifier: MIT

package tv

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/quantfeed/chartgate/internal/chart"
)

// Methods sent by this core.
const (
	methodSetAuthToken       = "set_auth_token"
	methodChartCreateSession = "chart_create_session"
	methodResolveSymbol      = "resolve_symbol"
	methodCreateSeries       = "create_series"
	methodModifySeries       = "modify_series"
	methodRemoveSeries       = "remove_series"
	methodCreateStudy        = "create_study"
	methodRemoveStudy        = "remove_study"
)

type envelope struct {
	M string            `json:"m"`
	P []json.RawMessage `json:"p"`
}

// EncodeMessage serializes a method call into the vendor's {m, p} envelope,
// unframed.
func EncodeMessage(method string, params ...any) (string, error) {
	if params == nil {
		params = []any{}
	}
	b, err := json.Marshal(struct {
		M string `json:"m"`
		P []any  `json:"p"`
	}{M: method, P: params})
	if err != nil {
		return "", fmt.Errorf("tv: encode %s: %w", method, err)
	}
	return string(b), nil
}

// EventType tags the variant of an inbound protocol event.
type EventType string

const (
	EventSeriesLoading   EventType = "series_loading"
	EventSeriesCompleted EventType = "series_completed"
	EventTimescaleUpdate EventType = "timescale_update"
	EventDataUpdate      EventType = "du"
	EventStudyLoading    EventType = "study_loading"
	EventStudyCompleted  EventType = "study_completed"
	EventStudyError      EventType = "study_error"
	EventSymbolResolved  EventType = "symbol_resolved"
	EventSymbolError     EventType = "symbol_error"
	EventCriticalError   EventType = "critical_error"
	EventProtocolError   EventType = "protocol_error"
	// EventUnknown marks methods this core does not handle. Unknown events
	// are logged and dropped, never treated as errors.
	EventUnknown EventType = "unknown"
)

// SlotUpdate carries the decoded data points for one series or study slot.
type SlotUpdate struct {
	Bars    []chart.Bar
	Points  []chart.StudyPoint
	HasNull bool
}

// Event is the tagged variant emitted by the protocol engine, one case per
// vendor method.
type Event struct {
	Type    EventType
	Session string
	SlotID  string
	Updates map[string]SlotUpdate
	Meta    *chart.SymbolMeta
	Message string
	Method  string // original method name, set for EventUnknown
}

// ParseEvent decodes one framed payload (already stripped of framing and
// known not to be a heartbeat) into an Event.
func ParseEvent(payload string) (Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{}, fmt.Errorf("tv: malformed event JSON: %w", err)
	}

	ev := Event{Type: EventType(env.M), Session: paramString(env.P, 0)}
	switch env.M {
	case string(EventTimescaleUpdate), string(EventDataUpdate):
		updates, err := parseUpdates(env.P)
		if err != nil {
			return Event{}, err
		}
		ev.Updates = updates
	case string(EventSeriesLoading), string(EventSeriesCompleted),
		string(EventStudyLoading), string(EventStudyCompleted):
		ev.SlotID = paramString(env.P, 1)
	case string(EventSymbolResolved):
		ev.SlotID = paramString(env.P, 1)
		meta, err := parseSymbolMeta(env.P)
		if err != nil {
			return Event{}, err
		}
		ev.Meta = meta
	case string(EventSymbolError), string(EventStudyError):
		ev.SlotID = paramString(env.P, 1)
		ev.Message = paramString(env.P, 2)
	case string(EventCriticalError):
		ev.Message = paramString(env.P, 1)
	case string(EventProtocolError):
		ev.Session = ""
		ev.Message = paramString(env.P, 0)
	default:
		ev.Type = EventUnknown
		ev.Method = env.M
	}
	return ev, nil
}

func paramString(p []json.RawMessage, i int) string {
	if i >= len(p) {
		return ""
	}
	var s string
	if err := json.Unmarshal(p[i], &s); err != nil {
		return ""
	}
	return s
}

// dataPoint is one "i/v" sample inside a timescale_update or du payload.
// Values decode through pointers so vendor nulls stay detectable.
type dataPoint struct {
	V []*float64 `json:"v"`
}

func parseUpdates(p []json.RawMessage) (map[string]SlotUpdate, error) {
	if len(p) < 2 {
		return map[string]SlotUpdate{}, nil
	}
	var slots map[string]struct {
		S  []dataPoint `json:"s"`
		St []dataPoint `json:"st"`
	}
	if err := json.Unmarshal(p[1], &slots); err != nil {
		return nil, fmt.Errorf("tv: malformed data update: %w", err)
	}

	updates := make(map[string]SlotUpdate, len(slots))
	for slotID, slot := range slots {
		var u SlotUpdate
		for _, pt := range slot.S {
			bar, null := decodeBar(pt.V)
			u.HasNull = u.HasNull || null
			u.Bars = append(u.Bars, bar)
		}
		for _, pt := range slot.St {
			sp, null := decodeStudyPoint(pt.V)
			u.HasNull = u.HasNull || null
			u.Points = append(u.Points, sp)
		}
		updates[slotID] = u
	}
	return updates, nil
}

// decodeBar maps a v array [time, open, high, low, close, volume] onto a Bar.
// A missing volume is common on index symbols and decodes as zero, not null.
func decodeBar(v []*float64) (chart.Bar, bool) {
	null := false
	get := func(i int) float64 {
		if i >= len(v) || v[i] == nil {
			null = true
			return 0
		}
		if math.IsNaN(*v[i]) {
			null = true
		}
		return *v[i]
	}
	bar := chart.Bar{
		Time:  int64(get(0)),
		Open:  get(1),
		High:  get(2),
		Low:   get(3),
		Close: get(4),
	}
	if len(v) > 5 && v[5] != nil && !math.IsNaN(*v[5]) {
		bar.Volume = *v[5]
	}
	return bar, null
}

// decodeStudyPoint maps [time, o, h, l, c] onto a StudyPoint.
func decodeStudyPoint(v []*float64) (chart.StudyPoint, bool) {
	null := false
	sp := chart.StudyPoint{}
	if len(v) < 1 || v[0] == nil {
		return sp, true
	}
	sp.Time = int64(*v[0])
	for i := 1; i < len(v); i++ {
		if v[i] == nil || math.IsNaN(*v[i]) {
			null = true
			sp.Values = append(sp.Values, 0)
			continue
		}
		sp.Values = append(sp.Values, *v[i])
	}
	return sp, null
}

func parseSymbolMeta(p []json.RawMessage) (*chart.SymbolMeta, error) {
	if len(p) < 3 {
		return &chart.SymbolMeta{}, nil
	}
	var raw struct {
		ProName     string  `json:"pro_name"`
		Description string  `json:"description"`
		MinMove     float64 `json:"minmov"`
		PriceScale  float64 `json:"pricescale"`
	}
	if err := json.Unmarshal(p[2], &raw); err != nil {
		return nil, fmt.Errorf("tv: malformed symbol metadata: %w", err)
	}
	meta := &chart.SymbolMeta{
		Symbol:      raw.ProName,
		Description: raw.Description,
		MinMove:     raw.MinMove,
		PriceScale:  raw.PriceScale,
	}
	if raw.PriceScale > 0 {
		meta.TickSize = raw.MinMove / raw.PriceScale
	}
	return meta, nil
}
