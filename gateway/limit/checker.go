// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package limit implements the Limit Checker: reads Hour/Day/Month/Total
// counters for a tenant and rejects admission when any configured cap is
// exceeded. Used both for gateway request admission (metric "llm_usage")
// and for HTTP-level API call rate limiting (metric "api_calls").
package limit

import (
	"context"
	"fmt"

	"github.com/flowgate/gateway/gateway/counter"
	"go.uber.org/zap"
)

// Caps bounds a metric across the cumulative windows. A nil pointer means
// no cap for that window (infinite). Hour caps are used by the HTTP-level
// api_calls rate limiter; admission cost caps use Day/Month/Total.
type Caps struct {
	Hour  *float64
	Day   *float64
	Month *float64
	Total *float64
}

// Config maps a tenant to its configured caps per metric. An absent tenant
// entry means unlimited.
type Config struct {
	Default map[string]Caps // metric -> caps, applied when no per-tenant override exists
	Tenant  map[string]map[string]Caps
}

// capsFor resolves the caps for a tenant/metric pair.
func (c Config) capsFor(tenant, metric string) Caps {
	if byMetric, ok := c.Tenant[tenant]; ok {
		if caps, ok := byMetric[metric]; ok {
			return caps
		}
	}
	return c.Default[metric]
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed  bool
	Metric   string
	Exceeded string // "hour", "day", "month", or "total": whichever cap tripped
	Current  float64
	Cap      float64
}

// Checker reads counters and compares against configured caps.
type Checker struct {
	store  counter.Store
	config Config
	logger *zap.Logger
}

// New creates a Checker backed by the given Counter Store and cap config.
func New(store counter.Store, config Config, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{store: store, config: config, logger: logger.With(zap.String("component", "limit_checker"))}
}

// Check reads the tenant's counters for metric across every capped window
// and returns whether admission should proceed. On store error it fails
// open (Allowed=true) — a counter outage must never block traffic.
func (c *Checker) Check(ctx context.Context, tenant, metric string) Decision {
	caps := c.config.capsFor(tenant, metric)

	checks := []struct {
		name string
		cap  *float64
		per  counter.Period
	}{
		{"hour", caps.Hour, counter.PeriodHour},
		{"day", caps.Day, counter.PeriodDay},
		{"month", caps.Month, counter.PeriodMonth},
		{"total", caps.Total, counter.PeriodTotal},
	}

	for _, chk := range checks {
		if chk.cap == nil {
			continue
		}
		current, err := c.store.Get(ctx, tenant, metric, chk.per)
		if err != nil {
			c.logger.Warn("limit check failed open on store error",
				zap.String("tenant", tenant), zap.String("metric", metric), zap.Error(err))
			return Decision{Allowed: true, Metric: metric}
		}
		if current >= *chk.cap {
			return Decision{
				Allowed:  false,
				Metric:   metric,
				Exceeded: chk.name,
				Current:  current,
				Cap:      *chk.cap,
			}
		}
	}

	return Decision{Allowed: true, Metric: metric}
}

// Usage is one window's consumption against its configured cap, as
// returned by GetUsage. Cap is nil when the window is uncapped.
type Usage struct {
	Window string
	Used   float64
	Cap    *float64
}

// GetUsage reads the tenant's counters for metric across every window and
// pairs them with the configured caps, for dashboards and the usage API.
// Store read errors surface as zero usage for that window.
func (c *Checker) GetUsage(ctx context.Context, tenant, metric string) []Usage {
	caps := c.config.capsFor(tenant, metric)

	windows := []struct {
		name string
		cap  *float64
		per  counter.Period
	}{
		{"hour", caps.Hour, counter.PeriodHour},
		{"day", caps.Day, counter.PeriodDay},
		{"month", caps.Month, counter.PeriodMonth},
		{"total", caps.Total, counter.PeriodTotal},
	}

	usage := make([]Usage, 0, len(windows))
	for _, w := range windows {
		current, err := c.store.Get(ctx, tenant, metric, w.per)
		if err != nil {
			c.logger.Warn("usage read failed",
				zap.String("tenant", tenant), zap.String("metric", metric), zap.Error(err))
			current = 0
		}
		usage = append(usage, Usage{Window: w.name, Used: current, Cap: w.cap})
	}
	return usage
}

// Reason renders a human-readable explanation of a rejected Decision.
func (d Decision) Reason() string {
	if d.Allowed {
		return ""
	}
	return fmt.Sprintf("%s %s limit exceeded: %.4f >= %.4f", d.Metric, d.Exceeded, d.Current, d.Cap)
}
