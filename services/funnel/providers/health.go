// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultProbeInterval is how often the prober re-checks every provider.
	DefaultProbeInterval = 60 * time.Second

	// DefaultProbeTimeout bounds a single connection test.
	DefaultProbeTimeout = 10 * time.Second
)

var providerHealthyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "funnel",
	Subsystem: "providers",
	Name:      "healthy",
	Help:      "Whether the last connection test for a provider succeeded (1) or failed (0).",
}, []string{"provider"})

// ProberConfig configures a Prober. The zero value probes the production
// constructor set on the default interval.
type ProberConfig struct {
	// Interval between probe sweeps. Zero uses DefaultProbeInterval.
	Interval time.Duration

	// Timeout for a single provider's connection test. Zero uses
	// DefaultProbeTimeout.
	Timeout time.Duration

	// Constructors overrides the production constructor set. Nil uses the
	// defaults; tests inject fakes.
	Constructors map[ProviderType]Constructor

	Logger *slog.Logger
}

// Prober is a HealthDirectory backed by periodic connection tests.
//
// Description:
//
//	Each sweep constructs every provider's lightweight model backend and
//	runs its TestConnection probe under a timeout. A constructor failure
//	(typically a missing API key) marks the provider unhealthy without a
//	network call. Results are cached between sweeps, so
//	GetAllProviderHealth never blocks on the network.
//
// Thread Safety: All methods are safe for concurrent use.
type Prober struct {
	constructors map[ProviderType]Constructor
	interval     time.Duration
	timeout      time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	healths map[ProviderType]ProviderHealth

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// NewProber creates a Prober, runs one synchronous sweep so the directory is
// populated before the first request, and starts the background loop.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Constructors == nil {
		cfg.Constructors = defaultConstructors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Prober{
		constructors: cfg.Constructors,
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		healths:      make(map[ProviderType]ProviderHealth),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	p.sweep(context.Background())
	go p.run()
	return p
}

// GetAllProviderHealth returns the cached health snapshot in the fixed
// fallback priority order.
func (p *Prober) GetAllProviderHealth(ctx context.Context) ([]ProviderHealth, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(p.healths))
	for _, pt := range fallbackPriority {
		if h, ok := p.healths[pt]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// Stop terminates the background loop. Safe to call more than once.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.done
	})
}

func (p *Prober) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep(context.Background())
		case <-p.quit:
			return
		}
	}
}

// sweep probes every configured provider once and replaces its cached entry.
func (p *Prober) sweep(ctx context.Context) {
	for _, pt := range fallbackPriority {
		construct, ok := p.constructors[pt]
		if !ok {
			continue
		}
		p.record(p.probe(ctx, pt, construct))
	}
}

func (p *Prober) probe(ctx context.Context, pt ProviderType, construct Constructor) ProviderHealth {
	health := ProviderHealth{
		ProviderType: pt,
		ProviderName: string(pt),
		LastChecked:  time.Now(),
	}

	caller, err := construct(lightweightModels[pt])
	if err != nil {
		health.ErrorMessage = err.Error()
		return health
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	health.IsHealthy = caller.TestConnection(probeCtx)
	health.ResponseTimeMs = float64(time.Since(start).Milliseconds())
	if !health.IsHealthy {
		health.ErrorMessage = "connection test failed"
	}
	return health
}

func (p *Prober) record(h ProviderHealth) {
	p.mu.Lock()
	prev, known := p.healths[h.ProviderType]
	p.healths[h.ProviderType] = h
	p.mu.Unlock()

	healthy := 0.0
	if h.IsHealthy {
		healthy = 1.0
	}
	providerHealthyGauge.WithLabelValues(string(h.ProviderType)).Set(healthy)

	// Log transitions only, not every sweep.
	if !known || prev.IsHealthy != h.IsHealthy {
		p.logger.Info("provider health changed",
			slog.String("provider", string(h.ProviderType)),
			slog.Bool("healthy", h.IsHealthy),
			slog.String("error", h.ErrorMessage))
	}
}
