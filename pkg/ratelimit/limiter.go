package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ratelimit")

// ErrInvalidWeight is returned when a caller passes a non-positive weight.
// A weight can never legally be zero or negative, so this is a programming
// error on the caller side, not a throttling condition.
var ErrInvalidWeight = errors.New("ratelimit: request weight must be positive")

// LimitKind identifies which venue-side counter a request charges against.
type LimitKind string

const (
	RequestWeight LimitKind = "REQUEST_WEIGHT"
	Orders        LimitKind = "ORDERS"
	RawRequests   LimitKind = "RAW_REQUESTS"
)

// BucketConfig is one row of the static rate-limit table.
type BucketConfig struct {
	Kind     LimitKind
	Interval time.Duration
	Limit    int
}

func (c BucketConfig) key() string {
	return fmt.Sprintf("%s_%s", c.Kind, c.Interval)
}

// DefaultBuckets returns the Binance US spot limits.
func DefaultBuckets() []BucketConfig {
	return []BucketConfig{
		{Kind: RequestWeight, Interval: time.Minute, Limit: 1200},
		{Kind: Orders, Interval: time.Minute, Limit: 50},
		{Kind: RawRequests, Interval: time.Minute, Limit: 6000},
	}
}

// ParseBucket parses a "KIND:interval:limit" row, e.g. "REQUEST_WEIGHT:1m:1200".
func ParseBucket(desc string) (BucketConfig, error) {
	parts := strings.Split(desc, ":")
	if len(parts) != 3 {
		return BucketConfig{}, fmt.Errorf("invalid bucket syntax %q, expecting KIND:interval:limit", desc)
	}

	interval, err := time.ParseDuration(parts[1])
	if err != nil {
		return BucketConfig{}, errors.Wrapf(err, "invalid bucket interval in %q", desc)
	}

	limit, err := strconv.Atoi(parts[2])
	if err != nil {
		return BucketConfig{}, errors.Wrapf(err, "invalid bucket limit in %q", desc)
	}

	return BucketConfig{
		Kind:     LimitKind(strings.ToUpper(parts[0])),
		Interval: interval,
		Limit:    limit,
	}, nil
}

type bucket struct {
	BucketConfig

	used        int
	windowStart time.Time
}

// roll resets the window when a full interval has elapsed. The reset happens
// at most once per elapsed interval regardless of how often roll is called.
func (b *bucket) roll(now time.Time) {
	if now.Sub(b.windowStart) >= b.Interval {
		b.used = 0
		b.windowStart = now
	}
}

// Limiter tracks usage against a fixed set of quota buckets and decides
// whether a pending request may proceed.
//
// Accounting is fixed-window: usage drops to zero at discrete interval
// boundaries, matching the venue's documented behavior. A burst across a
// window boundary is possible and accepted; do not replace this with a
// sliding window, which would drift from server-side accounting.
type Limiter struct {
	mu         sync.Mutex
	buckets    []*bucket
	retryAfter time.Duration

	now func() time.Time
}

// New builds a Limiter from a static bucket table. Invalid configuration is
// rejected at construction so misconfiguration fails loudly at startup.
func New(configs []BucketConfig) (*Limiter, error) {
	if len(configs) == 0 {
		configs = DefaultBuckets()
	}

	l := &Limiter{now: time.Now}
	for _, c := range configs {
		if c.Limit <= 0 {
			return nil, fmt.Errorf("ratelimit: bucket %s has non-positive limit %d", c.key(), c.Limit)
		}
		if c.Interval <= 0 {
			return nil, fmt.Errorf("ratelimit: bucket %s has non-positive interval %s", c.key(), c.Interval)
		}

		l.buckets = append(l.buckets, &bucket{
			BucketConfig: c,
			windowStart:  l.now(),
		})
	}

	return l, nil
}

// Check reports whether a request of the given weight may be dispatched now.
// An unknown kind with no configured bucket is always allowed: the caller
// cannot meaningfully throttle against a limit it does not know about.
func (l *Limiter) Check(kind LimitKind, weight int) (bool, error) {
	if weight <= 0 {
		return false, ErrInvalidWeight
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, b := range l.buckets {
		if b.Kind != kind {
			continue
		}

		b.roll(now)
		if b.used+weight > b.Limit {
			log.Warnf("rate limit would be exceeded: %s (used: %d, weight: %d, limit: %d)",
				b.key(), b.used, weight, b.Limit)
			return false, nil
		}
	}

	return true, nil
}

// Consume charges weight against every bucket of the given kind. Call it only
// after a request attempt was actually dispatched.
func (l *Limiter) Consume(kind LimitKind, weight int) {
	if weight <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, b := range l.buckets {
		if b.Kind != kind {
			continue
		}

		b.roll(now)
		b.used += weight
	}
}

// ApplyServerUsage overwrites the local estimate with the counter the server
// reported for the bucket matching kind and interval. The server value always
// wins: window boundaries are defined server-side and local clocks drift.
func (l *Limiter) ApplyServerUsage(kind LimitKind, interval time.Duration, used int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range l.buckets {
		if b.Kind != kind || b.Interval != interval {
			continue
		}

		b.used = used
		log.Debugf("server usage applied: %s = %d", b.key(), used)
	}
}

// SetRetryAfter records an explicit wait hint from the most recent response.
func (l *Limiter) SetRetryAfter(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryAfter = d
}

// RetryAfter returns the last server-supplied wait hint exactly once, then
// clears it. Zero means no hint is pending.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.retryAfter
	l.retryAfter = 0
	return d
}

// Usage returns a snapshot of current per-bucket consumption, keyed by
// "KIND_interval".
func (l *Limiter) Usage() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	usage := make(map[string]int, len(l.buckets))
	for _, b := range l.buckets {
		b.roll(now)
		usage[b.key()] = b.used
	}
	return usage
}
