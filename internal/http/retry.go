package http

import (
	"context"
	"math/rand"
	nethttp "net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-bulk/internal/config"
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/logging"
)

// NewRetryableClient wraps the optimized client in go-retryablehttp so that
// throttling and 5xx responses are retried inside a single remote call.
// Anything still failing after RetryMax is handed back unchanged, and the
// transfer scheduler then counts it as one failed attempt.
func NewRetryableClient(cfg *config.Config, logger *logging.Logger) (*retryablehttp.Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	base, err := CreateOptimizedClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = constants.MaxRetries
	rc.RetryWaitMin = constants.RetryInitialDelay
	rc.RetryWaitMax = constants.RetryMaxDelay
	rc.CheckRetry = CheckRetry
	rc.Backoff = Backoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger.Component("http")}
	return rc, nil
}

// NewStandardClient returns a *net/http.Client backed by NewRetryableClient,
// for SDKs that accept a plain client.
func NewStandardClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	rc, err := NewRetryableClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return rc.StandardClient(), nil
}

// CheckRetry retries what go-retryablehttp retries by default, except for
// credential failures, which another attempt will not fix.
func CheckRetry(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil && (resp.StatusCode == nethttp.StatusUnauthorized || resp.StatusCode == nethttp.StatusForbidden) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Backoff honours Retry-After on 429/503 and otherwise uses full jitter,
// which keeps many connections from retrying in lockstep.
func Backoff(min, max time.Duration, attempt int, resp *nethttp.Response) time.Duration {
	if resp != nil && (resp.StatusCode == nethttp.StatusTooManyRequests || resp.StatusCode == nethttp.StatusServiceUnavailable) {
		if resp.Header.Get("Retry-After") != "" {
			return retryablehttp.DefaultBackoff(min, max, attempt, resp)
		}
	}
	return CalculateBackoff(attempt+1, min, max)
}

// CalculateBackoff returns exponential backoff duration with full jitter.
//
// Formula: random(0, min(maxDelay, initialDelay * 2^attempt))
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := maxDelay
	if attempt < 32 {
		if d := time.Duration(1<<uint(attempt)) * initialDelay; d > 0 && d < maxDelay {
			base = d
		}
	}
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}

// leveledLogger routes go-retryablehttp's logging through zerolog.
type leveledLogger struct {
	l *logging.Logger
}

func (g leveledLogger) Error(msg string, kv ...interface{}) { g.l.Error().Fields(kv).Msg(msg) }
func (g leveledLogger) Warn(msg string, kv ...interface{})  { g.l.Warn().Fields(kv).Msg(msg) }
func (g leveledLogger) Info(msg string, kv ...interface{})  { g.l.Debug().Fields(kv).Msg(msg) }
func (g leveledLogger) Debug(msg string, kv ...interface{}) { g.l.Debug().Fields(kv).Msg(msg) }
