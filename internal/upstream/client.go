// Package upstream owns the HTTP path to the three providers: pooled
// transports, per-provider targets, auth-header injection and a breaker that
// trips on transport failures only. HTTP error statuses are the key pool's
// business, not the breaker's.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pysugar/anygate/internal/convert"
)

// Default provider bases. Overridable per channel and per config.
const (
	DefaultOpenAIBase = "https://api.openai.com"
	DefaultGeminiBase = "https://generativelanguage.googleapis.com"
	DefaultClaudeBase = "https://api.anthropic.com"

	anthropicVersion = "2023-06-01"
)

// Targets holds the per-provider base URLs. Reads and hot-reload writes are
// both safe.
type Targets struct {
	mu   sync.RWMutex
	base map[convert.Format]string
}

func NewTargets() *Targets {
	return &Targets{base: map[convert.Format]string{
		convert.FormatOpenAI: DefaultOpenAIBase,
		convert.FormatGemini: DefaultGeminiBase,
		convert.FormatClaude: DefaultClaudeBase,
	}}
}

func (t *Targets) BaseURL(provider convert.Format) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.base[provider]; ok && b != "" {
		return b
	}
	return DefaultOpenAIBase
}

func (t *Targets) SetBaseURL(provider convert.Format, base string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.base[provider] = strings.TrimRight(base, "/")
}

// Client is the shared upstream HTTP client. The standard client bounds
// non-streaming calls; the stream client has no overall timeout because a
// generation can legitimately run for minutes.
type Client struct {
	targets  *Targets
	std      *http.Client
	stream   *http.Client
	breakers map[convert.Format]*gobreaker.CircuitBreaker
}

func NewClient(targets *Targets) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       1000,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	breakers := make(map[convert.Format]*gobreaker.CircuitBreaker)
	for _, p := range []convert.Format{convert.FormatOpenAI, convert.FormatGemini, convert.FormatClaude} {
		breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(p),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Client{
		targets:  targets,
		std:      &http.Client{Transport: transport, Timeout: 60 * time.Second},
		stream:   &http.Client{Transport: transport},
		breakers: breakers,
	}
}

// SetTimeout bounds non-streaming calls. Zero keeps the current value. Call
// before serving; the clients are not guarded for concurrent mutation.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.std.Timeout = d
	}
}

// Request describes one chat call to a provider. BaseURL, when set,
// overrides the configured provider base (channel-level api_url).
type Request struct {
	Provider convert.Format
	Key      string
	Model    string
	Stream   bool
	Body     []byte
	BaseURL  string
}

// ChatURL builds the provider's chat endpoint. The Gemini key rides in the
// query as well as the header; some SDK paths only read one of the two.
func (c *Client) ChatURL(r *Request) string {
	base := strings.TrimRight(r.BaseURL, "/")
	if base == "" {
		base = c.targets.BaseURL(r.Provider)
	}
	switch r.Provider {
	case convert.FormatGemini:
		return fmt.Sprintf("%s/v1beta/%s:%s?key=%s",
			base, convert.GeminiModelPath(r.Model), convert.GeminiAction(r.Stream), url.QueryEscape(r.Key))
	case convert.FormatClaude:
		return base + "/v1/messages"
	default:
		return base + "/v1/chat/completions"
	}
}

// Send posts a chat request to the provider. A non-2xx response is returned
// to the caller, not an error; errors mean the bytes never made it.
func (c *Client) Send(ctx context.Context, r *Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ChatURL(r), bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req.Header, r.Provider, r.Key)
	if r.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return c.do(r.Provider, req, r.Stream)
}

// Forward relays a pass-through request: same path and query against the
// provider base, headers copied minus hop-by-hop and inbound auth, provider
// auth injected.
func (c *Client) Forward(ctx context.Context, provider convert.Format, key, baseURL, method, path, rawQuery string, header http.Header, body io.Reader) (*http.Response, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = c.targets.BaseURL(provider)
	}
	target := base + path
	if provider == convert.FormatGemini {
		q, _ := url.ParseQuery(rawQuery)
		q.Set("key", key)
		rawQuery = q.Encode()
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build forward request: %w", err)
	}
	copyForwardHeaders(req.Header, header)
	setAuthHeaders(req.Header, provider, key)
	// Streaming is unknown here; use the unbounded client so SSE relays
	// are never cut mid-generation.
	return c.do(provider, req, true)
}

func (c *Client) do(provider convert.Format, req *http.Request, stream bool) (*http.Response, error) {
	client := c.std
	if stream {
		client = c.stream
	}
	breaker, ok := c.breakers[provider]
	if !ok {
		breaker = c.breakers[convert.FormatOpenAI]
	}
	resp, err := breaker.Execute(func() (interface{}, error) {
		return client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*http.Response), nil
}

func setAuthHeaders(h http.Header, provider convert.Format, key string) {
	switch provider {
	case convert.FormatGemini:
		h.Set("x-goog-api-key", key)
	case convert.FormatClaude:
		h.Set("x-api-key", key)
		h.Set("anthropic-version", anthropicVersion)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
}

// droppedHeaders are never forwarded: hop-by-hop plumbing plus the client's
// own credentials.
var droppedHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Accept-Encoding":   {},
	"Transfer-Encoding": {},
	"Authorization":     {},
	"X-Api-Key":         {},
	"X-Goog-Api-Key":    {},
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, drop := droppedHeaders[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
