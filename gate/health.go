// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/transport"
)

// UpstreamStatus is one upstream's cached health result.
type UpstreamStatus struct {
	Healthy   bool   `json:"healthy"`
	CheckedAt int64  `json:"checked_at"`
	Error     string `json:"error,omitempty"`
}

// Monitor probes the configured upstream targets on an interval and
// caches the results with a TTL. Readiness reads the cache; it never
// probes inline, so /readyz stays fast regardless of upstream state.
type Monitor struct {
	upstreams map[string]transport.Target
	interval  time.Duration
	timeout   time.Duration
	cacheTTL  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	// dial is the probe function, replaced in tests.
	dial func(ctx context.Context, address string) error

	mu      sync.RWMutex
	results map[string]UpstreamStatus
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Upstreams are the targets to probe, keyed by upstream name.
	Upstreams map[string]transport.Target

	// Interval between probe rounds. Zero selects 15s.
	Interval time.Duration

	// Timeout bounds each probe dial. Zero selects 3s.
	Timeout time.Duration

	// CacheTTL is how long a result stays fresh. Zero selects 60s.
	CacheTTL time.Duration

	// Clock drives the probe ticker and freshness checks. Nil selects
	// the real clock.
	Clock clock.Clock

	// Logger receives probe transitions. Nil discards.
	Logger *slog.Logger
}

// NewMonitor creates an upstream health monitor.
func NewMonitor(config MonitorConfig) *Monitor {
	interval := config.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	cacheTTL := config.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	monitor := &Monitor{
		upstreams: config.Upstreams,
		interval:  interval,
		timeout:   timeout,
		cacheTTL:  cacheTTL,
		clock:     clk,
		logger:    logger,
		results:   make(map[string]UpstreamStatus, len(config.Upstreams)),
	}
	monitor.dial = func(ctx context.Context, address string) error {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	return monitor
}

// Run probes immediately, then on every tick until ctx is cancelled.
// Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.probeAll(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll probes every upstream once and updates the cache.
func (m *Monitor) probeAll(ctx context.Context) {
	for name, target := range m.upstreams {
		address := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.dial(probeCtx, address)
		cancel()

		status := UpstreamStatus{
			Healthy:   err == nil,
			CheckedAt: m.clock.Now().Unix(),
		}
		if err != nil {
			status.Error = err.Error()
		}

		m.mu.Lock()
		previous, known := m.results[name]
		m.results[name] = status
		m.mu.Unlock()

		if !known || previous.Healthy != status.Healthy {
			m.logger.Info("upstream health changed",
				"upstream", name,
				"address", address,
				"healthy", status.Healthy,
				"error", status.Error,
			)
		}
	}
}

// Snapshot returns the cached status of every upstream. Results older
// than the cache TTL read as unhealthy with a staleness error.
func (m *Monitor) Snapshot() map[string]UpstreamStatus {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]UpstreamStatus, len(m.upstreams))
	for name := range m.upstreams {
		status, known := m.results[name]
		switch {
		case !known:
			snapshot[name] = UpstreamStatus{Healthy: false, Error: "not yet probed"}
		case now.Sub(time.Unix(status.CheckedAt, 0)) > m.cacheTTL:
			snapshot[name] = UpstreamStatus{
				Healthy:   false,
				CheckedAt: status.CheckedAt,
				Error:     "health result stale",
			}
		default:
			snapshot[name] = status
		}
	}
	return snapshot
}

// AllHealthy reports whether every upstream's cached result is fresh
// and healthy. A gate with no upstreams is trivially ready.
func (m *Monitor) AllHealthy() bool {
	for _, status := range m.Snapshot() {
		if !status.Healthy {
			return false
		}
	}
	return true
}
