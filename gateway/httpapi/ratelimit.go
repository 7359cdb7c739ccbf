// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/flowgate/gateway/gateway/counter"
	"github.com/flowgate/gateway/gateway/limit"
	"go.uber.org/zap"
)

// apiCallsMetric counts HTTP-level requests, independent of the
// dollar-cost admission counters.
const apiCallsMetric = "api_calls"

// rateLimitCheckTimeout bounds the counter round trip so a slow store
// cannot stall the request path.
const rateLimitCheckTimeout = 250 * time.Millisecond

// RateLimitConfig caps api_calls per window. Nil pointers mean uncapped.
type RateLimitConfig struct {
	Hourly  *float64 `yaml:"hourly,omitempty" json:"hourly,omitempty"`
	Daily   *float64 `yaml:"daily,omitempty" json:"daily,omitempty"`
	Monthly *float64 `yaml:"monthly,omitempty" json:"monthly,omitempty"`
}

func (c RateLimitConfig) enabled() bool {
	return c.Hourly != nil || c.Daily != nil || c.Monthly != nil
}

// RateLimit returns middleware enforcing api_calls caps against the
// counter store. Each admitted request increments the hour, day, and
// month counters; any window at its cap rejects with 429. Store errors
// fail open.
func RateLimit(store counter.Store, cfg RateLimitConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	checker := limit.New(store, limit.Config{
		Default: map[string]limit.Caps{apiCallsMetric: {
			Hour:  cfg.Hourly,
			Day:   cfg.Daily,
			Month: cfg.Monthly,
		}},
	}, logger)

	return func(next http.Handler) http.Handler {
		if !cfg.enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), rateLimitCheckTimeout)
			tn := tenant(r)

			d := checker.Check(ctx, tn, apiCallsMetric)
			if !d.Allowed {
				cancel()
				w.Header().Set("Retry-After", retryAfter(d.Exceeded))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"` + d.Reason() + `","type":"rate_limit_exceeded"}}`))
				return
			}

			for _, p := range []counter.Period{counter.PeriodHour, counter.PeriodDay, counter.PeriodMonth} {
				if _, err := store.Increment(ctx, tn, apiCallsMetric, p, 1); err != nil {
					logger.Debug("api_calls increment failed", zap.Error(err))
					break
				}
			}
			cancel()

			next.ServeHTTP(w, r)
		})
	}
}
