// Package relay adapts third-party chat, image, speech and storage APIs to the
// narrow interfaces the bot core consumes. Every HTTP call goes through
// BaseClient, which adds a circuit breaker and bounded retries.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	apperrors "github.com/harukochan/bot-server-go/internal/errors"
)

// maxErrorBody caps how much of an upstream error body is kept for logs.
const maxErrorBody = 512

type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type BaseClient struct {
	name        string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	sleepFn     SleepFunc
}

type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the wait between retries, for tests.
func WithSleepFunc(fn SleepFunc) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

func WithRetryPolicy(p RetryPolicy) BaseClientOption {
	return func(c *BaseClient) {
		c.retryPolicy = p
	}
}

func NewBaseClient(name string, httpClient *http.Client, opts ...BaseClientOption) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	bc := &BaseClient{
		name:        name,
		client:      httpClient,
		breaker:     cb,
		retryPolicy: DefaultRetryPolicy(),
		sleepFn:     sleepCtx,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do sends req, retrying on transport errors, 429 and 5xx. Any other status is
// returned to the caller as-is. Failures come back as EXTERNAL_SERVICE_ERROR.
// The caller closes the response body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, apperrors.External(c.name, fmt.Errorf("read request body: %w", err))
		}
	}

	ctx := req.Context()
	var lastErr error
	attempts := 1 + c.retryPolicy.MaxRetries

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
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		var retryAfter string
		if resp != nil {
			retryAfter = resp.Header.Get("Retry-After")
			lastErr = fmt.Errorf("%w: %s", err, readErrorBody(resp))
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt == attempts-1 {
			break
		}

		wait := c.backoff(attempt, retryAfter)
		log.Debug().Str("relay", c.name).Int("attempt", attempt+1).Dur("wait", wait).Err(err).Msg("retrying upstream call")
		if sleepErr := c.sleepFn(ctx, wait); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	return nil, apperrors.External(c.name, lastErr)
}

// HTTPClient returns a client whose round trips go through Do, so SDK clients
// share this relay's breaker and retry policy. Statuses Do gives up on come
// back as transport errors.
func (c *BaseClient) HTTPClient() *http.Client {
	return &http.Client{Transport: breakerTransport{base: c}}
}

type breakerTransport struct {
	base *BaseClient
}

func (t breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.Do(req.Clone(req.Context()))
}

func (c *BaseClient) backoff(attempt int, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(c.retryPolicy.MaxWait))
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// DoJSON posts payload as JSON and decodes a 2xx response into out.
func (c *BaseClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return apperrors.External(c.name, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apperrors.External(c.name, fmt.Errorf("build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := CheckStatus(c.name, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.External(c.name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// CheckStatus turns a non-2xx response into an upstream error.
func CheckStatus(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return apperrors.External(name, fmt.Errorf("status %d: %s", resp.StatusCode, readErrorBody(resp)))
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return string(data)
}
