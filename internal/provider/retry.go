package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// retryBase is the first backoff step; attempt n waits about n² * retryBase.
var retryBase = time.Second

const maxRetryAfter = 30 * time.Second

// statusError is a response the backend answered with a transient status.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func transient(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// doWithRetry sends the request built by buildReq, retrying network failures
// and transient statuses (429, 5xx) at most retries more times. A Retry-After
// header, when present, replaces the computed backoff. retries == 0 means a
// single attempt.
func doWithRetry(ctx context.Context, client *http.Client, retries int, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var wait time.Duration
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		switch {
		case err != nil:
			if attempt >= retries || ctx.Err() != nil {
				return nil, fmt.Errorf("request failed after %d attempt(s): %w", attempt+1, err)
			}
			wait = backoff(attempt + 1)
			logger.Warn("request failed", "err", err)

		case transient(resp.StatusCode):
			serr := readStatusError(resp)
			if attempt >= retries {
				return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempt+1, serr)
			}
			wait = backoff(attempt + 1)
			if serr.retryAfter > 0 {
				wait = serr.retryAfter
			}
			logger.Warn("transient server error", "status", serr.code, "body", serr.body)

		default:
			return resp, nil
		}
	}
}

func readStatusError(resp *http.Response) *statusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &statusError{
		code:       resp.StatusCode,
		body:       string(body),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// backoff grows quadratically with up to 50% jitter.
func backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * retryBase
	return base + time.Duration(rand.Int64N(int64(base/2)+1))
}

// parseRetryAfter accepts delay-seconds only; HTTP dates are ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
