// SPDX-License-Identifier: MIT

package tv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/quantfeed/chartgate/internal/chart"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/rs/zerolog"
)

// barCountTolerance is the vendor-observed slack between requested and
// delivered bar counts.
const barCountTolerance = 2

// studyGrace is how long the coordinator waits for study data after the
// series completed before failing with StudyNotReturned.
const studyGrace = 2 * time.Second

// Coordinator runs a single chart request on a borrowed connection: it
// issues the series (and optional study) commands, correlates the
// asynchronous responses, and assembles the payload.
type Coordinator struct {
	studies *StudyProvider
	logger  zerolog.Logger
}

// NewCoordinator creates a coordinator sharing the pool's study provider.
func NewCoordinator(studies *StudyProvider) *Coordinator {
	return &Coordinator{studies: studies, logger: log.WithComponent("coordinator")}
}

// Run executes one request within the wall-clock budget. On timeout the
// series slot stays populated so the next request can reuse it.
func (co *Coordinator) Run(ctx context.Context, conn *Conn, jwt string, req chart.Request, budget time.Duration) (*chart.Payload, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	events, unsubscribe := conn.Subscribe()
	defer unsubscribe()

	if err := conn.EnsureAuth(jwt); err != nil {
		return nil, sendError(err)
	}
	seriesID, _, err := conn.RequestSeries(req.Symbol, req.Resolution, req.BarCount)
	if err != nil {
		return nil, sendError(err)
	}

	studyID := ""
	if req.CVD.Enabled {
		cfg, err := co.studies.Get(ctx)
		if err != nil {
			return nil, chart.WrapError(chart.KindStudyUnavailable, err, "CVD study disabled")
		}
		studyID, err = conn.RequestStudy(seriesID, cfg, req.CVD.AnchorPeriod, req.CVD.Timeframe)
		if err != nil {
			return nil, sendError(err)
		}
	}

	return co.collect(ctx, parent, conn, events, req, seriesID, studyID)
}

// collect correlates inbound events until the series (and study, when
// requested) completed, then assembles and validates the payload.
func (co *Coordinator) collect(ctx, parent context.Context, conn *Conn, events <-chan Event, req chart.Request, seriesID, studyID string) (*chart.Payload, error) {
	barsByTime := make(map[int64]chart.Bar)
	pointsByTime := make(map[int64]chart.StudyPoint)
	var meta chart.SymbolMeta
	hasNull := false
	seriesDone := false
	studyDone := false

	var studyTimer *time.Timer
	var studyDeadline <-chan time.Time
	defer func() {
		if studyTimer != nil {
			studyTimer.Stop()
		}
	}()

	for {
		if seriesDone && len(barsByTime) == 0 {
			// series_completed with nothing delivered: fail now, not at
			// budget expiry.
			return nil, chart.NewError(chart.KindNoBars,
				"no bars returned for %s %s", req.Symbol, req.Resolution)
		}
		if seriesDone {
			if studyID == "" || (studyDone && len(pointsByTime) > 0) {
				return co.assemble(req, seriesID, studyID, barsByTime, pointsByTime, meta, hasNull)
			}
			if studyDeadline == nil {
				studyTimer = time.NewTimer(studyGrace)
				studyDeadline = studyTimer.C
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
				return nil, chart.NewError(chart.KindTimeout,
					"request budget exceeded for %s %s", req.Symbol, req.Resolution)
			}
			return nil, ctx.Err()

		case <-studyDeadline:
			return nil, chart.NewError(chart.KindStudyNotReturned,
				"CVD requested but no study data within %s of bars", studyGrace)

		case ev, ok := <-events:
			if !ok {
				return nil, chart.NewError(chart.KindTransport,
					"connection drained while awaiting data for %s", req.Symbol)
			}
			switch ev.Type {
			case EventTimescaleUpdate, EventDataUpdate:
				for slotID, u := range ev.Updates {
					switch slotID {
					case seriesID:
						hasNull = hasNull || u.HasNull
						for _, b := range u.Bars {
							barsByTime[b.Time] = b
						}
					case studyID:
						hasNull = hasNull || u.HasNull
						for _, p := range u.Points {
							pointsByTime[p.Time] = p
						}
					}
				}
				// The first frame covering the requested count completes the series.
				if len(barsByTime) >= req.BarCount {
					seriesDone = true
				}
			case EventSeriesCompleted:
				if ev.SlotID == seriesID {
					seriesDone = true
				}
			case EventStudyCompleted:
				if ev.SlotID == studyID {
					studyDone = true
				}
			case EventSymbolResolved:
				if ev.Meta != nil {
					meta = *ev.Meta
				}
			case EventSymbolError:
				return nil, chart.NewError(chart.KindSymbolNotResolved,
					"vendor could not resolve %q: %s", req.Symbol, ev.Message)
			case EventStudyError:
				return nil, chart.NewError(chart.KindProtocol,
					"study_error for %s: %s", req.Symbol, ev.Message)
			case EventCriticalError:
				if strings.Contains(strings.ToLower(ev.Message), "auth") {
					return nil, chart.NewError(chart.KindAuth, "vendor rejected credentials: %s", ev.Message)
				}
				return nil, chart.NewError(chart.KindProtocol, "critical_error: %s", ev.Message)
			}
		}
	}
}

func (co *Coordinator) assemble(req chart.Request, seriesID, studyID string, barsByTime map[int64]chart.Bar, pointsByTime map[int64]chart.StudyPoint, meta chart.SymbolMeta, hasNull bool) (*chart.Payload, error) {
	if len(barsByTime) == 0 {
		return nil, chart.NewError(chart.KindNoBars, "no bars returned for %s %s", req.Symbol, req.Resolution)
	}
	if hasNull {
		return nil, chart.NewError(chart.KindInvalidBarData,
			"null or NaN values in data for %s %s", req.Symbol, req.Resolution)
	}

	bars := make([]chart.Bar, 0, len(barsByTime))
	for _, b := range barsByTime {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })

	if len(bars) < req.BarCount-barCountTolerance {
		return nil, chart.NewError(chart.KindNoBars,
			"received %d bars for %s %s, requested %d", len(bars), req.Symbol, req.Resolution, req.BarCount)
	}
	if len(bars) > req.BarCount+barCountTolerance {
		bars = bars[len(bars)-req.BarCount:]
	}

	if meta.Symbol == "" {
		meta.Symbol = req.Symbol
	}
	payload := &chart.Payload{
		Symbol:     req.Symbol,
		Resolution: req.Resolution,
		Bars:       bars,
		Meta:       meta,
	}
	if studyID != "" {
		points := make([]chart.StudyPoint, 0, len(pointsByTime))
		for _, p := range pointsByTime {
			points = append(points, p)
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Time < points[j].Time })
		payload.Indicators = &chart.Indicators{CVD: &chart.StudySeries{
			StudyID:   studyID,
			StudyName: "Cumulative Volume Delta",
			Values:    points,
		}}
	}

	co.logger.Debug().
		Str(log.FieldSymbol, req.Symbol).
		Str(log.FieldResolution, req.Resolution).
		Int(log.FieldBarCount, len(bars)).
		Str(log.FieldSlot, seriesID).
		Str(log.FieldEvent, "coordinator.assembled").
		Msg("chart payload assembled")
	return payload, nil
}

// sendError classifies outbound command failures: a dead socket is a
// transport fault, a full writer queue mid-build is a programming error
// (requests are never pipelined on one connection).
func sendError(err error) error {
	switch {
	case errors.Is(err, errNotReady), errors.Is(err, errDrained):
		return chart.WrapError(chart.KindTransport, err, "connection unavailable")
	case errors.Is(err, errWriteQueueFull):
		return chart.WrapError(chart.KindInternal, err, "writer queue overflow during request build")
	}
	return chart.WrapError(chart.KindTransport, err, "failed to send request")
}
