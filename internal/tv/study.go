// SPDX-License-Identifier: MIT

package tv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/resilience"
	"github.com/rs/zerolog"
)

// ErrStudyUnavailable is returned for CVD-enabled requests after the study
// descriptor could not be fetched (one retry, then disabled for the pool
// lifetime).
var ErrStudyUnavailable = errors.New("tv: CVD study configuration unavailable")

// StudyConfig is the vendor's descriptor for the cumulative-volume-delta
// study: the script handle and compiled source the chart session needs to
// instantiate it.
type StudyConfig struct {
	ScriptID      string `json:"scriptId"`
	ScriptVersion string `json:"scriptVersion"`
	ILTemplate    string `json:"ilTemplate"`
}

// StudyProvider fetches the CVD study descriptor once per pool and caches it
// until pool restart. A 4xx is retried once; a second failure disables CVD
// with a typed error on every CVD-enabled request.
type StudyProvider struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	once sync.Once
	cfg  *StudyConfig
	err  error
}

// NewStudyProvider creates a provider for the given descriptor endpoint.
func NewStudyProvider(url string, timeout time.Duration) *StudyProvider {
	return &StudyProvider{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker("study-config", 3, 30*time.Second),
		logger:  log.WithComponent("study-config"),
	}
}

// Get returns the cached descriptor, fetching it on first use.
func (p *StudyProvider) Get(ctx context.Context) (*StudyConfig, error) {
	p.once.Do(func() {
		cfg, err := p.fetch(ctx)
		if err != nil {
			// One retry, then the provider stays disabled for the pool lifetime.
			cfg, err = p.fetch(ctx)
		}
		if err != nil {
			p.logger.Error().Err(err).
				Str("event", "study_config.disabled").
				Msg("CVD study config fetch failed twice, disabling CVD")
			p.err = fmt.Errorf("%w: %v", ErrStudyUnavailable, err)
			return
		}
		p.cfg = cfg
		p.logger.Info().
			Str("script_id", cfg.ScriptID).
			Str("event", "study_config.loaded").
			Msg("CVD study config loaded")
	})
	return p.cfg, p.err
}

func (p *StudyProvider) fetch(ctx context.Context) (*StudyConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body []byte
	err := p.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
		if err != nil {
			return err
		}
		res, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = res.Body.Close() }()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("study config endpoint returned HTTP %d", res.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(res.Body, 8<<20))
		return err
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Success bool `json:"success"`
		Result  struct {
			ILTemplate string `json:"ilTemplate"`
			MetaInfo   struct {
				ScriptIDPart string `json:"scriptIdPart"`
				PineVersion  string `json:"pine->version"`
			} `json:"metaInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("study config decode failed: %w", err)
	}
	if !payload.Success || payload.Result.ILTemplate == "" {
		return nil, fmt.Errorf("study config response incomplete")
	}
	cfg := &StudyConfig{
		ScriptID:      payload.Result.MetaInfo.ScriptIDPart,
		ScriptVersion: payload.Result.MetaInfo.PineVersion,
		ILTemplate:    payload.Result.ILTemplate,
	}
	if cfg.ScriptVersion == "" {
		cfg.ScriptVersion = "1"
	}
	return cfg, nil
}
