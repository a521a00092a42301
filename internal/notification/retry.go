package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// StatusError is a non-success HTTP answer from a channel endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status=%d", e.Code)
	}
	return fmt.Sprintf("status=%d body=%s", e.Code, e.Body)
}

// RetryPolicy bounds retries for one channel. All attempts share the channel deadline.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the wait before retry number attempt+1: exponential, capped, ±25% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	b := float64(initial) * math.Pow(2, float64(attempt))
	if p.MaxBackoff > 0 && b > float64(p.MaxBackoff) {
		b = float64(p.MaxBackoff)
	}
	b += b * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(b)
}

// IsRetryable reports whether err is transient: network timeouts, refused or
// reset connections, 5xx and 429 answers. An expired channel deadline is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	// mail SDKs only expose these as text
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection refused", "connection reset", "throttl", "rate limit", "too many requests", "try again", "temporar"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func checkStatus(resp *http.Response, ok func(int) bool) error {
	if ok(resp.StatusCode) {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
