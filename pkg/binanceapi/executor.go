package binanceapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/quantbase/binancex/pkg/metrics"
	"github.com/quantbase/binancex/pkg/ratelimit"
)

const (
	// DefaultMaxRetries bounds transport-failure and server-throttle retries.
	DefaultMaxRetries = 3

	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = time.Second

	// maxBackoff caps a single backoff sleep.
	maxBackoff = 60 * time.Second

	// maxThrottleSpins bounds local-limiter denials per call so a saturated
	// bucket still yields a terminal result instead of an indefinite hang.
	maxThrottleSpins = 10
)

// Response is the raw success payload; wrapper code decodes it into a domain
// type.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) DecodeJSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Executor runs requests against the venue without ever exceeding its quota:
// it gates every attempt on the shared rate limiter, signs per attempt, and
// retries recoverable failures with capped exponential backoff. Safe for
// concurrent callers sharing one limiter.
type Executor struct {
	client  *RestClient
	limiter *ratelimit.Limiter

	MaxRetries int
	BaseDelay  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(client *RestClient, limiter *ratelimit.Limiter) *Executor {
	return &Executor{
		client:     client,
		limiter:    limiter,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		sleep:      sleepContext,
	}
}

// Limiter exposes the shared limiter for diagnostics.
func (e *Executor) Limiter() *ratelimit.Limiter { return e.limiter }

// Execute runs the request with the executor's default retry policy.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	return e.ExecuteWithPolicy(ctx, req, e.MaxRetries, e.BaseDelay)
}

// ExecuteWithPolicy runs the request with up to maxRetries+1 attempts.
//
// Throttle denials from the local limiter sleep and re-check without spending
// the retry budget; transport failures and server 429/418 responses spend it.
// Any other non-2xx status is terminal on the first occurrence.
func (e *Executor) ExecuteWithPolicy(ctx context.Context, req Request, maxRetries int, baseDelay time.Duration) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	var lastErr error
	attempt := 0
	throttleSpins := 0

	for attempt <= maxRetries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		allowed, err := e.limiter.Check(req.LimitKind, req.Weight)
		if err != nil {
			return nil, err
		}

		if !allowed {
			metrics.RateLimitDenials.WithLabelValues(string(req.LimitKind)).Inc()

			if throttleSpins >= maxThrottleSpins {
				return nil, &RetriesExhaustedError{
					Attempts: attempt + throttleSpins,
					Last:     &ThrottledError{},
				}
			}

			delay := e.limiter.RetryAfter()
			if delay == 0 {
				delay = backoffDelay(baseDelay, throttleSpins)
			}
			throttleSpins++

			log.Warnf("rate limit hit for %s %s, waiting %s", req.Method, req.Path, delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		resp, err := e.dispatch(ctx, req)
		if err != nil {
			var build *buildError
			if errors.As(err, &build) {
				return nil, build.err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			lastErr = &TransportError{Err: err}
			metrics.RequestRetries.Inc()
			log.WithError(err).Warnf("transport error on %s %s (attempt %d/%d)",
				req.Method, req.Path, attempt+1, maxRetries+1)

			delay := backoffDelay(baseDelay, attempt)
			attempt++
			if attempt > maxRetries {
				break
			}
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		// Server-reported usage is authoritative regardless of outcome.
		e.applyUsageHeaders(resp.Header)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			e.limiter.Consume(req.LimitKind, req.Weight)
			metrics.APIRequests.WithLabelValues(req.Path, "ok").Inc()
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
			retryAfter := parseRetryAfter(resp.Header)
			e.limiter.SetRetryAfter(retryAfter)
			lastErr = &ThrottledError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}
			metrics.APIRequests.WithLabelValues(req.Path, "throttled").Inc()
			metrics.RequestRetries.Inc()

			log.Warnf("server throttled %s %s (status %d), retry after %s",
				req.Method, req.Path, resp.StatusCode, retryAfter)

			delay := retryAfter
			if delay == 0 {
				delay = backoffDelay(baseDelay, attempt)
			}
			attempt++
			if attempt > maxRetries {
				break
			}
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			apiErr := parseAPIError(resp.Body)
			metrics.APIRequests.WithLabelValues(req.Path, "auth_error").Inc()
			return nil, &AuthError{
				StatusCode: resp.StatusCode,
				Code:       apiErr.Code,
				Message:    apiErr.Message,
			}

		default:
			// Request-shape errors: retrying wastes quota with no chance of
			// success.
			apiErr := parseAPIError(resp.Body)
			metrics.APIRequests.WithLabelValues(req.Path, "rejected").Inc()
			return nil, &RequestRejectedError{
				StatusCode: resp.StatusCode,
				Code:       apiErr.Code,
				Message:    apiErr.Message,
				Body:       resp.Body,
			}
		}
	}

	metrics.APIRequests.WithLabelValues(req.Path, "exhausted").Inc()
	return nil, &RetriesExhaustedError{Attempts: attempt, Last: lastErr}
}

// dispatch performs a single attempt with the per-request timeout.
func (e *Executor) dispatch(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.client.HttpClient.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := e.client.newRequest(ctx, req)
	if err != nil {
		// request construction failures are programming errors, never
		// retried; bubble them up as-is
		return nil, &buildError{err: err}
	}

	log.Debugf("%s %s", httpReq.Method, httpReq.URL.String())

	httpResp, err := e.client.HttpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// buildError marks request-construction failures so the retry loop can tell
// them apart from transport errors. They are terminal.
type buildError struct {
	err error
}

func (e *buildError) Error() string { return e.err.Error() }
func (e *buildError) Unwrap() error { return e.err }

// applyUsageHeaders syncs the limiter with the venue's usage counters, e.g.
// X-MBX-USED-WEIGHT-1M: 842 or X-MBX-ORDER-COUNT-1M: 7.
func (e *Executor) applyUsageHeaders(header http.Header) {
	for name, values := range header {
		if len(values) == 0 {
			continue
		}

		upper := strings.ToUpper(name)
		var kind ratelimit.LimitKind
		var suffix string

		switch {
		case strings.HasPrefix(upper, "X-MBX-USED-WEIGHT-"):
			kind = ratelimit.RequestWeight
			suffix = strings.TrimPrefix(upper, "X-MBX-USED-WEIGHT-")
		case strings.HasPrefix(upper, "X-MBX-ORDER-COUNT-"):
			kind = ratelimit.Orders
			suffix = strings.TrimPrefix(upper, "X-MBX-ORDER-COUNT-")
		default:
			continue
		}

		interval, ok := parseIntervalSuffix(suffix)
		if !ok {
			continue
		}

		used, err := strconv.Atoi(values[0])
		if err != nil {
			continue
		}

		e.limiter.ApplyServerUsage(kind, interval, used)
	}
}

// parseIntervalSuffix parses the "1M" in X-MBX-USED-WEIGHT-1M.
func parseIntervalSuffix(s string) (time.Duration, bool) {
	if len(s) < 2 {
		return 0, false
	}

	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || num <= 0 {
		return 0, false
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'S':
		unit = time.Second
	case 'M':
		unit = time.Minute
	case 'H':
		unit = time.Hour
	case 'D':
		unit = 24 * time.Hour
	default:
		return 0, false
	}

	return time.Duration(num) * unit, true
}

func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
