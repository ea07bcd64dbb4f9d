package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
)

// ErrFetchExhausted matches every *ExhaustedError.
var ErrFetchExhausted = errors.New("fetch exhausted")

// ExhaustedError is returned once all attempts for a URL have failed.
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch %s: gave up after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrFetchExhausted }

// StatusError is a retryable HTTP status (429 or 5xx).
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Config bounds each outbound request.
type Config struct {
	MaxAttempts       int
	Timeout           time.Duration // per attempt
	RetryDelay        time.Duration // delay before the second attempt
	MaxRetryDelay     time.Duration
	RequestsPerSecond float64 // 0 disables limiting
	UserAgent         string
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		Timeout:           60 * time.Second,
		RetryDelay:        2 * time.Second,
		MaxRetryDelay:     30 * time.Second,
		RequestsPerSecond: 5,
		UserAgent:         "hz-backend-map-import/1.0",
	}
}

// Response is a fully read HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RequestOption adjusts the outgoing request.
type RequestOption func(*http.Request)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// Fetcher performs GET requests with per-attempt timeouts, growing retry
// delays and a shared rate limit.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
}

// New creates a Fetcher. A nil client uses a plain http.Client; timeouts are
// applied per attempt.
func New(cfg Config, client *http.Client) *Fetcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if client == nil {
		client = &http.Client{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Fetcher{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Get fetches url. Network failures, attempt timeouts, 429 and 5xx are
// retried; other statuses are returned for the caller to judge. Cancelling ctx
// aborts the in-flight attempt and returns ctx.Err() without retrying.
func (f *Fetcher) Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	base, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	if f.cfg.UserAgent != "" {
		base.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	for _, opt := range opts {
		opt(base)
	}

	var (
		result   *Response
		attempts int
	)

	operation := func() error {
		attempts++
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()

		resp, err := f.client.Do(base.Clone(attemptCtx))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("attempt %d: %w", attempts, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("attempt %d: read body: %w", attempts, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &StatusError{URL: url, StatusCode: resp.StatusCode}
		}

		result = &Response{
			URL:        url,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}
		return nil
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn("fetch attempt failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	start := time.Now()
	err = backoff.RetryNotify(operation, backoff.WithContext(f.policy(), ctx), notify)
	if err == nil {
		logger.Debug("fetched",
			zap.String("url", url),
			zap.Int("status", result.StatusCode),
			zap.Int("bytes", len(result.Body)),
			zap.Duration("duration", time.Since(start)),
		)
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, &ExhaustedError{URL: url, Attempts: attempts, Err: err}
}

// policy grows the delay exponentially from RetryDelay and caps the number
// of attempts; elapsed time is not bounded separately.
func (f *Fetcher) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.RetryDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxInterval = f.cfg.MaxRetryDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(f.cfg.MaxAttempts-1))
}
