package upstream

import (
	"net/http"
	"testing"
	"time"
)

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	if got := RetryAfter(h, nil); got != 30*time.Second {
		t.Fatalf("RetryAfter = %v", got)
	}
}

func TestRetryAfterGeminiBody(t *testing.T) {
	body := []byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[` +
		`{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"rateLimitExceeded"},` +
		`{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3.5s"}]}}`)
	if got := RetryAfter(http.Header{}, body); got != 3500*time.Millisecond {
		t.Fatalf("RetryAfter = %v", got)
	}
}

func TestRetryAfterNoHint(t *testing.T) {
	if got := RetryAfter(http.Header{}, []byte(`{"error":{"message":"x"}}`)); got != 0 {
		t.Fatalf("RetryAfter = %v, want 0", got)
	}
}
