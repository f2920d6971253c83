package router

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kong/pg-resilient-dal/pkg/breaker"
	"github.com/kong/pg-resilient-dal/pkg/pool"
	"github.com/kong/pg-resilient-dal/pkg/ratelimit"
)

// StatusRequestTimeout is returned when the caller canceled or timed out.
const StatusRequestTimeout = http.StatusRequestTimeout

// StatusCode maps an error from Read, Write or Transaction to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, breaker.ErrOpen), errors.Is(err, pool.ErrDatabaseUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfter extracts the wait hint carried by rate-limit and circuit-open errors.
func RetryAfter(err error) (time.Duration, bool) {
	var limited *ratelimit.LimitError
	if errors.As(err, &limited) {
		return limited.RetryAfter, true
	}
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return open.RetryAfter, true
	}
	return 0, false
}

// WriteError writes err as a JSON body with the matching status and, when known,
// a Retry-After header.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if d, ok := RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(d)))
	}
	message := http.StatusText(status)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		message = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// Admission rejects requests over limiter's budget with 429. Requests are keyed by key
// and always admitted when the limiter's store fails.
func Admission(limiter *ratelimit.Limiter, key ratelimit.KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := key(r)
			d := limiter.Decide(r.Context(), id, limiter.Limit())
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.RetryAfter)))
				WriteError(w, limiter.Err(id, d))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	js, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(js)
}
