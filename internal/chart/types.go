// SPDX-License-Identifier: MIT

// Package chart defines the domain model of the acquisition core: requests,
// bars, study series, completed payloads and the error taxonomy surfaced to
// callers.
package chart

import "fmt"

// Bar is one OHLCV tuple. Time is seconds since epoch, UTC, aligned to the
// resolution's natural grid.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// SymbolMeta carries vendor-supplied symbol metadata.
type SymbolMeta struct {
	Symbol      string  `json:"symbol"`
	Description string  `json:"description,omitempty"`
	TickSize    float64 `json:"tickSize,omitempty"`
	PriceScale  float64 `json:"priceScale,omitempty"`
	MinMove     float64 `json:"minMove,omitempty"`
}

// StudyPoint is one sample of a study series. Values holds the anchored
// cumulative-delta OHLC 4-tuple for CVD.
type StudyPoint struct {
	Time   int64     `json:"time"`
	Values []float64 `json:"values"`
}

// StudySeries is a completed study result.
type StudySeries struct {
	StudyID   string       `json:"studyId"`
	StudyName string       `json:"studyName"`
	Values    []StudyPoint `json:"values"`
}

// Indicators groups optional indicator series attached to a payload.
type Indicators struct {
	CVD *StudySeries `json:"cvd,omitempty"`
}

// Payload is a completed chart response. Bars is non-empty on success and
// strictly increasing in Time. Cached payloads are immutable; callers must
// treat them as read-only.
type Payload struct {
	Symbol     string      `json:"symbol"`
	Resolution string      `json:"resolution"`
	Bars       []Bar       `json:"bars"`
	Meta       SymbolMeta  `json:"metadata"`
	Indicators *Indicators `json:"indicators,omitempty"`
}

// CVDOptions selects the optional cumulative-volume-delta study.
type CVDOptions struct {
	Enabled      bool   `json:"enabled"`
	AnchorPeriod string `json:"anchorPeriod,omitempty"`
	Timeframe    string `json:"timeframe,omitempty"`
}

// Request identifies one chart fetch.
type Request struct {
	Symbol     string     `json:"symbol"`
	Resolution string     `json:"resolution"`
	BarCount   int        `json:"barCount"`
	CVD        CVDOptions `json:"cvd"`
}

// Fingerprint returns the cache key for the request. Two requests with equal
// fingerprints are interchangeable.
func (r Request) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%t|%s|%s",
		r.Symbol, CanonicalResolution(r.Resolution), r.BarCount,
		r.CVD.Enabled, r.CVD.AnchorPeriod, r.CVD.Timeframe)
}

// Credentials identify the vendor account used to resolve a session.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
