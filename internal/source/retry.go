package source

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/kbforge/kbforge/internal/kberr"
)

const (
	retryBase     = 500 * time.Millisecond
	retryCap      = 30 * time.Second
	retryAttempts = 5
)

// backoffDelay is exponential backoff with full jitter.
func backoffDelay(attempt int) time.Duration {
	max := retryBase << (attempt - 1)
	if max > retryCap {
		max = retryCap
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// classifyStatus maps an HTTP status to the retry decision. 401/403 are
// terminal, 404 skips the document, 429 and 5xx retry.
type statusClass int

const (
	statusOK statusClass = iota
	statusRetry
	statusSkip
	statusFatal
)

func classify(status int) (statusClass, error) {
	switch {
	case status >= 200 && status < 300:
		return statusOK, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return statusRetry, kberr.Newf(kberr.KindTransient, "http status %d", status)
	case status == http.StatusNotFound:
		return statusSkip, kberr.NotFound("http status 404")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return statusFatal, kberr.Newf(kberr.KindForbidden, "http status %d", status)
	default:
		return statusFatal, kberr.Newf(kberr.KindDataError, "http status %d", status)
	}
}

// withRetry runs fn under the shared retry discipline. fn reports whether
// its failure is retryable; connection errors are.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !kberr.IsTransient(err) {
			return err
		}
	}
	return kberr.Wrap(kberr.KindTransient, lastErr, "retries exhausted")
}
