package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shawkym/mxview/pkg/log"
)

const (
	defaultMaxRetries = 6
	maxRetryAfter     = 2 * time.Minute
)

// ErrInvalidToken is returned when the homeserver rejects the access token.
var ErrInvalidToken = errors.New("matrix access token invalid")

// HTTPError is a non-2xx response from the homeserver.
type HTTPError struct {
	Call       string
	StatusCode int
	ErrCode    string
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("%s failed: HTTP %d: %s: %s", e.Call, e.StatusCode, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("%s failed: HTTP %d: %s", e.Call, e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type errorPayload struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMs int    `json:"retry_after_ms"`
}

func newHTTPError(call string, status int, body []byte) *HTTPError {
	e := &HTTPError{Call: call, StatusCode: status, Body: string(body)}
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		e.ErrCode = payload.ErrCode
		e.Message = payload.Error
	}
	return e
}

func parseRetryAfter(body []byte) time.Duration {
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	if payload.ErrCode != "M_LIMIT_EXCEEDED" || payload.RetryAfterMs <= 0 {
		return 0
	}
	return time.Duration(payload.RetryAfterMs) * time.Millisecond
}

func isUnknownToken(body []byte) bool {
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.ErrCode == "M_UNKNOWN_TOKEN" || payload.ErrCode == "M_MISSING_TOKEN"
}

func capRetryAfter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return base * time.Duration(1<<attempt)
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, call, reason string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	log.WithFields(map[string]interface{}{
		"call":    call,
		"reason":  reason,
		"wait_ms": d.Milliseconds(),
	}).Debug("matrix api wait")

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
