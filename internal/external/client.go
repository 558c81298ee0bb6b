// Package external holds the clients for third-party APIs (Stripe and the
// AI text-generation provider). Every outbound call goes through BaseClient,
// which applies circuit breaking, retries with backoff and error mapping.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"reviewdesk/internal/types"
)

// RetryPolicy configures retries on 429 and 5xx responses.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy is used by clients that do not set their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClientConfig configures a BaseClient.
type BaseClientConfig struct {
	// Name labels the circuit breaker.
	Name string
	// UpstreamCode is the error code reported when retries are exhausted or
	// the transport fails.
	UpstreamCode types.ErrorCode
	Retry        RetryPolicy
	UserAgent    string
	// TripAfter opens the breaker after this many consecutive failures.
	TripAfter uint32
}

// BaseClient wraps an *http.Client with a circuit breaker and retry loop.
type BaseClient struct {
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker[*http.Response]
	retry        RetryPolicy
	userAgent    string
	upstreamCode types.ErrorCode
	waitFn       func(ctx context.Context, d time.Duration) error
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithWaitFunc overrides how the client waits between retries. Tests use it
// to skip real delays.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) {
		c.waitFn = fn
	}
}

// WithBreaker replaces the circuit breaker built from the config.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBaseClient creates a BaseClient.
func NewBaseClient(httpClient *http.Client, cfg BaseClientConfig, opts ...BaseClientOption) *BaseClient {
	tripAfter := cfg.TripAfter
	if tripAfter == 0 {
		tripAfter = 5
	}
	upstream := cfg.UpstreamCode
	if upstream == "" {
		upstream = types.ErrCodeUpstreamUnavailable
	}

	bc := &BaseClient{
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= tripAfter
			},
		}),
		retry:        cfg.Retry,
		userAgent:    cfg.UserAgent,
		upstreamCode: upstream,
		waitFn:       sleepContext,
	}

	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do sends req. Responses with status 429 or 5xx are retried with backoff
// (honoring Retry-After) and count as breaker failures. Other responses are
// returned as-is and the caller closes the body. When retries are exhausted,
// the breaker is open or the context ends, Do returns an *types.AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	var lastStatus int
	var lastErr error

	attempts := 1 + c.retry.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if retryable(r.StatusCode) {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		lastStatus = 0
		var wait time.Duration
		if resp != nil {
			lastStatus = resp.StatusCode
			wait = c.backoff(attempt, resp.Header.Get("Retry-After"))
			resp.Body.Close()
		} else {
			wait = c.backoff(attempt, "")
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if attempt < attempts-1 {
			if werr := c.waitFn(ctx, wait); werr != nil {
				lastErr = werr
				break
			}
		}
	}

	return nil, c.mapError(lastStatus, lastErr)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoff returns the wait before the next attempt: Retry-After when the
// upstream sent one, otherwise exponential backoff with jitter, clamped to
// [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return min(time.Duration(seconds)*time.Second, c.retry.MaxWait)
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return max(min(time.Until(t), c.retry.MaxWait), c.retry.MinWait)
		}
	}

	ceiling := math.Min(float64(c.retry.MinWait)*math.Pow(2, float64(attempt)), float64(c.retry.MaxWait))
	floor := float64(c.retry.MinWait)
	if ceiling <= floor {
		return c.retry.MinWait
	}
	return time.Duration(floor + rand.Float64()*(ceiling-floor))
}

func (c *BaseClient) mapError(status int, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(c.upstreamCode, "circuit breaker open; upstream unavailable", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(c.upstreamCode, "upstream request abandoned", err)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
	case status >= 500:
		return types.NewAppError(c.upstreamCode, fmt.Sprintf("upstream returned %d after retries", status), err)
	default:
		return types.NewAppError(c.upstreamCode, "upstream request failed", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
