package upstream

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// RetryAfter extracts the retry hint from a rate-limited response. The
// standard Retry-After header wins; Gemini 429 bodies carry the delay inside
// error.details as a RetryInfo entry instead. Returns 0 when neither is
// present.
func RetryAfter(header http.Header, body []byte) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			return time.Until(t)
		}
	}

	for _, detail := range gjson.GetBytes(body, "error.details").Array() {
		delay := detail.Get("retryDelay").String()
		if delay == "" {
			delay = detail.Get("metadata.retryDelay").String()
		}
		if delay == "" {
			continue
		}
		if d, err := time.ParseDuration(delay); err == nil {
			return d
		}
	}
	return 0
}
