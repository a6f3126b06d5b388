// SPDX-License-Identifier: MIT

package chart

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{Symbol: "NSE:RELIANCE", Resolution: "1D", BarCount: 300}
}

func TestValidateAcceptsBasicRequest(t *testing.T) {
	req := validRequest().Normalize()
	require.NoError(t, req.Validate())
	assert.Equal(t, "D", req.Resolution)
}

func TestValidateRejectsEmptySymbol(t *testing.T) {
	req := validRequest()
	req.Symbol = "  "
	err := req.Normalize().Validate()
	require.Error(t, err)
	assert.Equal(t, KindValidation, AsError(err).Kind)
}

func TestValidateRejectsBadResolution(t *testing.T) {
	req := validRequest()
	req.Resolution = "7H"
	require.Error(t, req.Normalize().Validate())
}

func TestValidateBarCountBounds(t *testing.T) {
	for _, n := range []int{0, -1, 2001} {
		req := validRequest()
		req.BarCount = n
		require.Error(t, req.Validate(), "barCount=%d", n)
	}
	// 2000 is the ceiling and must not be capped lower.
	req := validRequest()
	req.BarCount = 2000
	require.NoError(t, req.Validate())
}

func TestValidateCVDTimeframeOrdering(t *testing.T) {
	// Finer delta timeframe against a daily chart is fine.
	req := validRequest()
	req.CVD = CVDOptions{Enabled: true, AnchorPeriod: "3M", Timeframe: "15"}
	require.NoError(t, req.Normalize().Validate())

	// Delta coarser than the chart resolution must fail before any network call.
	req = Request{Symbol: "NSE:RELIANCE", Resolution: "15", BarCount: 300,
		CVD: CVDOptions{Enabled: true, AnchorPeriod: "3M", Timeframe: "D"}}
	err := req.Normalize().Validate()
	require.Error(t, err)
	assert.Equal(t, KindValidation, AsError(err).Kind)

	// Equal granularity is not strictly finer.
	req.Resolution = "15"
	req.CVD.Timeframe = "15"
	require.Error(t, req.Normalize().Validate())
}

func TestNormalizeDefaultsAnchor(t *testing.T) {
	req := validRequest()
	req.CVD.Enabled = true
	req = req.Normalize()
	assert.Equal(t, DefaultAnchorPeriod, req.CVD.AnchorPeriod)

	// Disabled CVD drops stray options so fingerprints stay stable.
	req = validRequest()
	req.CVD = CVDOptions{Enabled: false, AnchorPeriod: "1W", Timeframe: "5"}
	req = req.Normalize()
	assert.Empty(t, req.CVD.AnchorPeriod)
	assert.Empty(t, req.CVD.Timeframe)
}

func TestFinerThan(t *testing.T) {
	assert.True(t, FinerThan("15S", "30S"))
	assert.True(t, FinerThan("1", "5"))
	assert.True(t, FinerThan("60", "D"))
	assert.True(t, FinerThan("15", "1D"))
	assert.False(t, FinerThan("D", "15"))
	assert.False(t, FinerThan("15", "15"))
	assert.False(t, FinerThan("junk", "D"))
}

func TestFingerprintDistinguishesCVD(t *testing.T) {
	a := validRequest()
	b := validRequest()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.CVD = CVDOptions{Enabled: true, AnchorPeriod: "3M"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	// Alias and canonical resolution collapse to the same key.
	c := validRequest()
	c.Resolution = "D"
	assert.Equal(t, a.Fingerprint(), c.Fingerprint())
}

func TestErrorRetriableAndStatus(t *testing.T) {
	tests := []struct {
		kind      Kind
		retriable bool
		status    int
	}{
		{KindValidation, false, http.StatusBadRequest},
		{KindNoSession, false, http.StatusUnauthorized},
		{KindAuth, false, http.StatusUnauthorized},
		{KindTimeout, true, http.StatusGatewayTimeout},
		{KindTransport, true, http.StatusBadGateway},
		{KindProtocol, false, http.StatusBadGateway},
		{KindPoolExhausted, true, http.StatusServiceUnavailable},
		{KindInternal, false, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e := NewError(tt.kind, "boom")
		assert.Equal(t, tt.retriable, e.Retriable, string(tt.kind))
		assert.Equal(t, tt.status, e.HTTPStatus(), string(tt.kind))
	}
}

func TestResultCacheTTL(t *testing.T) {
	c := NewResultCache(50 * time.Millisecond)
	defer c.Close()

	req := validRequest().Normalize()
	payload := &Payload{Symbol: req.Symbol, Resolution: req.Resolution,
		Bars: []Bar{{Time: 1700000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100}}}

	_, ok := c.Get(req)
	assert.False(t, ok)

	c.Put(req, payload)
	got, ok := c.Get(req)
	require.True(t, ok)
	assert.Same(t, payload, got, "cache must return the stored payload unmodified")

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get(req)
	assert.False(t, ok, "entry must expire after TTL")
}
