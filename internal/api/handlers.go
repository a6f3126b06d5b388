// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/quantfeed/chartgate/internal/batch"
	"github.com/quantfeed/chartgate/internal/chart"
	"github.com/quantfeed/chartgate/internal/log"
)

// maxBodyBytes bounds request bodies; batch jobs with thousands of symbols
// still fit comfortably.
const maxBodyBytes = 1 << 20

type chartRequest struct {
	Email      string           `json:"email"`
	Password   string           `json:"password"`
	Symbol     string           `json:"symbol"`
	Resolution string           `json:"resolution"`
	BarCount   int              `json:"barCount"`
	CVD        chart.CVDOptions `json:"cvd"`
}

type batchRequest struct {
	Email       string           `json:"email"`
	Password    string           `json:"password"`
	Symbols     []string         `json:"symbols"`
	Resolutions []string         `json:"resolutions"`
	BarCount    int              `json:"barCount"`
	CVD         chart.CVDOptions `json:"cvd"`
}

type errorBody struct {
	Kind      chart.Kind `json:"kind"`
	Message   string     `json:"message"`
	Retriable bool       `json:"retriable"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, chart.WrapError(chart.KindValidation, err, "malformed request body"))
		return false
	}
	// Trailing garbage after the JSON object is a client bug.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, r, chart.NewError(chart.KindValidation, "request body must be a single JSON object"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ce := chart.AsError(err)
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Warn().
		Str("kind", string(ce.Kind)).
		Str("path", r.URL.Path).
		Str(log.FieldEvent, "http.request_failed").
		Msg(ce.Message)
	writeJSON(w, ce.HTTPStatus(), map[string]errorBody{"error": {
		Kind:      ce.Kind,
		Message:   ce.Message,
		Retriable: ce.Retriable,
	}})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	var in chartRequest
	if !decodeBody(w, r, &in) {
		return
	}
	creds := chart.Credentials{Email: in.Email, Password: in.Password}
	req := chart.Request{
		Symbol:     in.Symbol,
		Resolution: in.Resolution,
		BarCount:   in.BarCount,
		CVD:        in.CVD,
	}
	payload, err := s.svc.GetChart(r.Context(), creds, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var in batchRequest
	if !decodeBody(w, r, &in) {
		return
	}
	creds := chart.Credentials{Email: in.Email, Password: in.Password}
	job := batch.Job{
		Symbols:     in.Symbols,
		Resolutions: in.Resolutions,
		BarCount:    in.BarCount,
		CVD:         in.CVD,
	}
	agg, err := s.svc.RunBatch(r.Context(), creds, job, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.SessionStats(r.Context())
	if err != nil {
		writeError(w, r, chart.WrapError(chart.KindInternal, err, "session stats unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
