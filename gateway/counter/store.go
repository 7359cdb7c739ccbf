// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package counter implements the usage Counter Store: period-bucketed,
// atomically-incremented metrics keyed by tenant and metric name.
package counter

import (
	"context"
	"fmt"
	"time"
)

// Period identifies the bucketing window for a counter key.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
	PeriodTotal Period = "total"
)

// TTL returns how long a bucket written at the given instant should live:
// until the next hour boundary, the next UTC midnight, or the first second
// of the next UTC month. Total buckets never expire.
func (p Period) TTL(at time.Time) time.Duration {
	at = at.UTC()
	switch p {
	case PeriodHour:
		next := at.Truncate(time.Hour).Add(time.Hour)
		return next.Sub(at)
	case PeriodDay:
		next := time.Date(at.Year(), at.Month(), at.Day()+1, 0, 0, 0, 0, time.UTC)
		return next.Sub(at)
	case PeriodMonth:
		next := time.Date(at.Year(), at.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		return next.Sub(at)
	default: // PeriodTotal never expires.
		return 0
	}
}

// bucket formats the period suffix for a key: hour buckets include the
// hour-of-day, day buckets the calendar date, month buckets year-month, and
// total has no time component at all. All buckets are UTC.
func (p Period) bucket(at time.Time) string {
	at = at.UTC()
	switch p {
	case PeriodHour:
		return at.Format("2006-01-02T15")
	case PeriodDay:
		return at.Format("2006-01-02")
	case PeriodMonth:
		return at.Format("2006-01")
	default:
		return "total"
	}
}

// Key builds the store key for a tenant/metric/period at the given instant.
func Key(tenant, metric string, period Period, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", tenant, metric, period.bucket(at))
}

// Store is the Counter Store contract: atomic increment-and-read for
// period-bucketed metrics. Implementations must make Increment atomic with
// respect to concurrent callers incrementing the same key.
type Store interface {
	// Increment adds delta to the counter at tenant/metric/period (bucketed
	// at the current time) and returns the new total. It sets the bucket's
	// TTL on first write only, never resetting it on subsequent increments.
	Increment(ctx context.Context, tenant, metric string, period Period, delta float64) (float64, error)

	// Get returns the current value of a counter, or 0 if unset.
	Get(ctx context.Context, tenant, metric string, period Period) (float64, error)
}

// AllPeriods lists the periods every counter is tracked under.
var AllPeriods = []Period{PeriodHour, PeriodDay, PeriodMonth, PeriodTotal}

// IncrementAll increments tenant/metric by delta across every tracked
// period in one call, returning the per-period totals used by the Limit
// Checker. Individual period failures are logged by the caller via the
// returned error; admission callers treat Store errors as fail-open so a
// counter outage never blocks traffic.
func IncrementAll(ctx context.Context, s Store, tenant, metric string, delta float64) (map[Period]float64, error) {
	totals := make(map[Period]float64, len(AllPeriods))
	for _, p := range AllPeriods {
		v, err := s.Increment(ctx, tenant, metric, p, delta)
		if err != nil {
			return totals, err
		}
		totals[p] = v
	}
	return totals, nil
}
