// Package health waits for the backend to come up before any session is
// attempted.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is the gap between liveness probes.
const DefaultPollInterval = 2 * time.Second

// Probe polls the backend's health endpoint.
type Probe struct {
	base     string
	interval time.Duration
	http     *http.Client
	logger   *zap.Logger
}

// NewProbe creates a probe against the backend base URL.
func NewProbe(baseURL string, interval time.Duration, logger *zap.Logger) *Probe {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		base:     baseURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Check performs a single probe. It succeeds only on a 200 with
// {"status":"healthy"}.
func (p *Probe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("health: build request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: backend returned %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return fmt.Errorf("health: decode response: %w", err)
	}
	if body.Status != "healthy" {
		return fmt.Errorf("health: backend status %q", body.Status)
	}
	return nil
}

// Wait polls until the backend reports healthy or ctx ends.
func (p *Probe) Wait(ctx context.Context) error {
	for {
		if err := p.Check(ctx); err == nil {
			p.logger.Info("backend healthy", zap.String("base_url", p.base))
			return nil
		} else if ctx.Err() != nil {
			return fmt.Errorf("health: gave up waiting: %w", ctx.Err())
		} else {
			p.logger.Debug("backend not ready", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("health: gave up waiting: %w", ctx.Err())
		case <-time.After(p.interval):
		}
	}
}
