package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"liveclass/server/apperr"
)

// RetryPolicy bounds the retries of operations that failed because the
// store was unavailable.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryAfter is advertised to clients once retries are exhausted.
	RetryAfter time.Duration
}

// DefaultRetryPolicy retries three times over roughly a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		RetryAfter:      5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// withRetry runs op and retries it while it fails with
// PersistenceUnavailable. Any other error is returned at once.
func withRetry[T any](ctx context.Context, p RetryPolicy, log Logger, name string, op func() (T, error)) (T, error) {
	attempt := func() (T, error) {
		v, err := op()
		if err != nil && apperr.CodeOf(err) != apperr.CodePersistenceUnavailable {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		if log != nil {
			log.Warn("Retrying after persistence failure", "op", name, "wait", wait, "error", err)
		}
	}
	return backoff.RetryNotifyWithData(attempt, p.backOff(ctx), notify)
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalid:
		return http.StatusBadRequest
	case apperr.CodePersistenceUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, p RetryPolicy, err error) {
	status := statusFor(err)
	code := apperr.CodeOf(err)
	if status == http.StatusServiceUnavailable {
		secs := int(p.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		code = apperr.CodePersistenceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, map[string]interface{}{"error": msg, "code": code})
}
