package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("http %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{code: 200, want: false},
		{code: 400, want: false},
		{code: 404, want: false},
		{code: 408, want: true},
		{code: 422, want: false},
		{code: 429, want: true},
		{code: 500, want: true},
		{code: 503, want: true},
		{code: 599, want: true},
		{code: 600, want: false},
	}
	for _, tt := range cases {
		if got := IsRetryableHTTPStatus(tt.code); got != tt.want {
			t.Errorf("status %d: want=%v got=%v", tt.code, tt.want, got)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	if IsRetryableError(nil) {
		t.Error("nil must not be retryable")
	}
	if !IsRetryableError(context.DeadlineExceeded) {
		t.Error("deadline exceeded must be retryable")
	}
	if IsRetryableError(errors.New("plain failure")) {
		t.Error("unclassified errors must not be retryable")
	}
	if !IsRetryableError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}) {
		t.Error("network op errors must be retryable")
	}
	if !IsRetryableError(fmt.Errorf("wrapped: %w", statusErr(503))) {
		t.Error("retryable status carried in the chain must be retryable")
	}
	if IsRetryableError(fmt.Errorf("wrapped: %w", statusErr(422))) {
		t.Error("4xx status carried in the chain must not be retryable")
	}
}

func TestRetryAfterDuration(t *testing.T) {
	if got := RetryAfterDuration(nil, 2*time.Second, 10*time.Second); got != 2*time.Second {
		t.Fatalf("nil response: %v", got)
	}

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "3")
	if got := RetryAfterDuration(resp, time.Second, 10*time.Second); got != 3*time.Second {
		t.Fatalf("retry-after honored: %v", got)
	}

	resp.Header.Set("Retry-After", "120")
	if got := RetryAfterDuration(resp, time.Second, 10*time.Second); got != 10*time.Second {
		t.Fatalf("max cap applied: %v", got)
	}

	resp.Header.Set("Retry-After", "soon")
	if got := RetryAfterDuration(resp, time.Second, 10*time.Second); got != time.Second {
		t.Fatalf("unparseable header falls back: %v", got)
	}
}

func TestJitterSleepBounds(t *testing.T) {
	if got := JitterSleep(0); got != 0 {
		t.Fatalf("zero base: %v", got)
	}
	base := time.Second
	for i := 0; i < 50; i++ {
		got := JitterSleep(base)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("jitter out of bounds: %v", got)
		}
	}
}
