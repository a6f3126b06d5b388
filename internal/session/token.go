// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/quantfeed/chartgate/internal/cache"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/metrics"
	"github.com/quantfeed/chartgate/internal/resilience"
	"github.com/rs/zerolog"
)

// Token is an opaque vendor data-access JWT plus its decoded expiry.
type Token struct {
	Raw       string
	ExpiresAt time.Time
}

// authTokenPattern extracts the access token from the vendor's chart
// bootstrap HTML/JSON.
var authTokenPattern = regexp.MustCompile(`"auth_token"\s*:\s*"([^"]+)"`)

// TokenSource exchanges session cookies for data-access JWTs via the vendor's
// chart bootstrap URL, caching tokens until their expiry buffer runs out.
type TokenSource struct {
	bootstrapURL string
	origin       string
	client       *http.Client
	breaker      *resilience.CircuitBreaker
	jwts         *cache.TTL[Token]
	buffer       time.Duration
	logger       zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewTokenSource creates a token source. buffer is the remaining-validity
// floor below which a token counts as expired (spec default 10 min).
func NewTokenSource(bootstrapURL, origin string, buffer time.Duration) *TokenSource {
	return &TokenSource{
		bootstrapURL: bootstrapURL,
		origin:       origin,
		client:       &http.Client{Timeout: 15 * time.Second},
		breaker:      resilience.NewCircuitBreaker("bootstrap", 3, 30*time.Second),
		jwts:         cache.New[Token](time.Minute),
		buffer:       buffer,
		logger:       log.WithComponent("token-source"),
		now:          time.Now,
	}
}

// Token returns a JWT for the session, from cache when still comfortably
// valid. A record without a cookie signature is refused: the vendor rejects
// unsigned cookies at the bootstrap endpoint.
func (t *TokenSource) Token(ctx context.Context, rec Record) (Token, error) {
	if !rec.HasSignature() {
		return Token{}, ErrMissingSignature
	}

	if tok, ok := t.cached(rec.SessionCookie); ok {
		metrics.RecordCacheOp("jwt", true)
		return tok, nil
	}
	metrics.RecordCacheOp("jwt", false)

	tok, err := t.exchange(ctx, rec)
	if err != nil {
		return Token{}, err
	}
	t.put(rec.SessionCookie, tok)
	return tok, nil
}

// cached returns a token iff now + buffer is still before its expiry.
func (t *TokenSource) cached(sessionCookie string) (Token, bool) {
	tok, ok := t.jwts.Get(sessionCookie)
	if !ok {
		return Token{}, false
	}
	if !t.now().Add(t.buffer).Before(tok.ExpiresAt) {
		t.jwts.Delete(sessionCookie)
		return Token{}, false
	}
	return tok, true
}

func (t *TokenSource) put(sessionCookie string, tok Token) {
	ttl := tok.ExpiresAt.Sub(t.now()) - t.buffer
	if ttl <= 0 {
		return
	}
	t.jwts.Set(sessionCookie, tok, ttl)
}

func (t *TokenSource) exchange(ctx context.Context, rec Record) (Token, error) {
	var body []byte
	err := t.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.bootstrapURL, nil)
		if err != nil {
			return err
		}
		req.AddCookie(&http.Cookie{Name: "sessionid", Value: rec.SessionCookie})
		req.AddCookie(&http.Cookie{Name: "sessionid_sign", Value: rec.SessionCookieSignature})
		if t.origin != "" {
			req.Header.Set("Referer", t.origin+"/")
		}

		res, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("bootstrap returned HTTP %d", res.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(res.Body, 4<<20))
		return err
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrBootstrapUnreachable, err)
	}

	m := authTokenPattern.FindSubmatch(body)
	if m == nil {
		return Token{}, ErrTokenNotFound
	}
	raw := string(m[1])

	exp, err := decodeExpiry(raw)
	if err != nil {
		return Token{}, err
	}
	if !t.now().Add(t.buffer).Before(exp) {
		return Token{}, fmt.Errorf("%w: exp=%s", ErrTokenExpired, exp.Format(time.RFC3339))
	}

	t.logger.Debug().
		Time("exp", exp).
		Str("event", "token.exchanged").
		Msg("exchanged session for data-access token")
	return Token{Raw: raw, ExpiresAt: exp}, nil
}

// decodeExpiry reads the exp claim without verifying the signature; the
// token comes straight from the vendor over TLS.
func decodeExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrTokenNotFound, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: token has no exp claim", ErrTokenNotFound)
	}
	return exp.Time, nil
}

// CacheStats exposes JWT-cache counters for the status endpoint.
func (t *TokenSource) CacheStats() cache.Stats {
	return t.jwts.Stats()
}

// Close stops the cache janitor.
func (t *TokenSource) Close() {
	t.jwts.Stop()
}
