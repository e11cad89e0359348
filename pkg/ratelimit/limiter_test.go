package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns a controllable now func and its advance helper.
func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	return func() time.Time { return current }, func(d time.Duration) { current = current.Add(d) }
}

func newTestLimiter(t *testing.T, configs []BucketConfig) (*Limiter, func(time.Duration)) {
	t.Helper()

	l, err := New(configs)
	require.NoError(t, err)

	now, advance := fakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	l.now = now
	for _, b := range l.buckets {
		b.windowStart = now()
	}
	return l, advance
}

func TestParseBucket(t *testing.T) {
	cases := []struct {
		desc     string
		expected BucketConfig
		hasError bool
	}{
		{"REQUEST_WEIGHT:1m:1200", BucketConfig{RequestWeight, time.Minute, 1200}, false},
		{"orders:1m:50", BucketConfig{Orders, time.Minute, 50}, false},
		{"RAW_REQUESTS:5m:61000", BucketConfig{RawRequests, 5 * time.Minute, 61000}, false},
		{"REQUEST_WEIGHT:1m", BucketConfig{}, true},
		{"REQUEST_WEIGHT:xx:1200", BucketConfig{}, true},
		{"REQUEST_WEIGHT:1m:abc", BucketConfig{}, true},
	}

	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			cfg, err := ParseBucket(c.desc)
			if c.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expected, cfg)
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New([]BucketConfig{{Kind: Orders, Interval: time.Minute, Limit: 0}})
	assert.Error(t, err)

	_, err = New([]BucketConfig{{Kind: Orders, Interval: 0, Limit: 10}})
	assert.Error(t, err)
}

func TestCheckInvalidWeight(t *testing.T) {
	l, _ := newTestLimiter(t, nil)

	_, err := l.Check(RequestWeight, 0)
	assert.ErrorIs(t, err, ErrInvalidWeight)

	_, err = l.Check(RequestWeight, -5)
	assert.ErrorIs(t, err, ErrInvalidWeight)
}

func TestUnknownKindFailsOpen(t *testing.T) {
	l, _ := newTestLimiter(t, nil)

	allowed, err := l.Check(LimitKind("SAPI_IP"), 100)
	require.NoError(t, err)
	assert.True(t, allowed)
}

// Fifty orders pass, the fifty-first is denied, and a fresh window opens
// after a minute.
func TestOrdersWindowScenario(t *testing.T) {
	l, advance := newTestLimiter(t, []BucketConfig{
		{Kind: Orders, Interval: time.Minute, Limit: 50},
	})

	for i := 0; i < 50; i++ {
		allowed, err := l.Check(Orders, 1)
		require.NoError(t, err)
		require.True(t, allowed, "order %d should be allowed", i+1)
		l.Consume(Orders, 1)
	}

	allowed, err := l.Check(Orders, 1)
	require.NoError(t, err)
	assert.False(t, allowed, "51st order must be denied")

	advance(60 * time.Second)

	allowed, err = l.Check(Orders, 1)
	require.NoError(t, err)
	assert.True(t, allowed, "window should reset after the interval elapses")
	assert.Equal(t, 0, l.Usage()["ORDERS_1m0s"])
}

// Local consumption alone never pushes a bucket past its limit because Check
// gates every Consume.
func TestUsedNeverExceedsLimitWithoutOverride(t *testing.T) {
	l, _ := newTestLimiter(t, []BucketConfig{
		{Kind: RequestWeight, Interval: time.Minute, Limit: 20},
	})

	for i := 0; i < 100; i++ {
		allowed, err := l.Check(RequestWeight, 3)
		require.NoError(t, err)
		if !allowed {
			continue
		}
		l.Consume(RequestWeight, 3)
	}

	assert.LessOrEqual(t, l.Usage()["REQUEST_WEIGHT_1m0s"], 20)
}

func TestServerUsageOverrideWins(t *testing.T) {
	l, _ := newTestLimiter(t, []BucketConfig{
		{Kind: RequestWeight, Interval: time.Minute, Limit: 1200},
	})

	l.Consume(RequestWeight, 5)
	l.ApplyServerUsage(RequestWeight, time.Minute, 900)
	assert.Equal(t, 900, l.Usage()["REQUEST_WEIGHT_1m0s"])

	// The override may exceed the limit; Check must then deny.
	l.ApplyServerUsage(RequestWeight, time.Minute, 1500)
	allowed, err := l.Check(RequestWeight, 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

// The window rolls over exactly once per elapsed interval no matter how often
// Check is called around the boundary.
func TestIdempotentWindowRollover(t *testing.T) {
	l, advance := newTestLimiter(t, []BucketConfig{
		{Kind: RawRequests, Interval: time.Minute, Limit: 6000},
	})

	l.Consume(RawRequests, 10)
	advance(61 * time.Second)

	for i := 0; i < 5; i++ {
		_, err := l.Check(RawRequests, 1)
		require.NoError(t, err)
	}
	l.Consume(RawRequests, 7)

	// Repeated checks within the same window must not reset the counter again.
	for i := 0; i < 5; i++ {
		_, err := l.Check(RawRequests, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 7, l.Usage()["RAW_REQUESTS_1m0s"])
}

func TestRetryAfterReturnedOnceThenCleared(t *testing.T) {
	l, _ := newTestLimiter(t, nil)

	assert.Equal(t, time.Duration(0), l.RetryAfter())

	l.SetRetryAfter(7 * time.Second)
	assert.Equal(t, 7*time.Second, l.RetryAfter())
	assert.Equal(t, time.Duration(0), l.RetryAfter())
}

func TestConsumeChargesAllMatchingBuckets(t *testing.T) {
	l, _ := newTestLimiter(t, []BucketConfig{
		{Kind: Orders, Interval: 10 * time.Second, Limit: 10},
		{Kind: Orders, Interval: time.Minute, Limit: 50},
		{Kind: RequestWeight, Interval: time.Minute, Limit: 1200},
	})

	l.Consume(Orders, 2)

	usage := l.Usage()
	assert.Equal(t, 2, usage["ORDERS_10s"])
	assert.Equal(t, 2, usage["ORDERS_1m0s"])
	assert.Equal(t, 0, usage["REQUEST_WEIGHT_1m0s"])
}
