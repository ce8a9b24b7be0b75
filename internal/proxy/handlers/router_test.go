package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pysugar/anygate/internal/convert"
	"github.com/pysugar/anygate/internal/proxy"
	"github.com/pysugar/anygate/internal/store"
	"github.com/pysugar/anygate/internal/upstream"
)

type fixture struct {
	store  *store.Store
	router http.Handler
}

// newFixture builds a gateway whose every provider base points at the given
// upstream.
func newFixture(t *testing.T, upstreamURL string) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatal(err)
	}
	targets := upstream.NewTargets()
	for _, f := range []convert.Format{convert.FormatOpenAI, convert.FormatGemini, convert.FormatClaude} {
		targets.SetBaseURL(f, upstreamURL)
	}
	d := proxy.NewDispatcher(s, upstream.NewClient(targets))
	return &fixture{store: s, router: NewRouter(d, s)}
}

// seedGatewayKey creates a tenant with one channel, one pooled upstream key
// and one gateway key bound to the channel.
func (f *fixture) seedGatewayKey(t *testing.T, channelType, upstreamKey string) (*store.ExclusiveKey, *store.OfficialKey) {
	t.Helper()
	user := store.User{Username: "alice", Role: store.RoleAdmin, IsActive: true}
	if err := f.store.DB.Create(&user).Error; err != nil {
		t.Fatal(err)
	}
	ch := store.Channel{Name: "pool", Type: channelType, UserID: user.ID}
	if err := f.store.DB.Create(&ch).Error; err != nil {
		t.Fatal(err)
	}
	official := store.OfficialKey{Key: upstreamKey, UserID: user.ID, ChannelID: &ch.ID, IsActive: true}
	if err := f.store.DB.Create(&official).Error; err != nil {
		t.Fatal(err)
	}
	key := store.ExclusiveKey{Key: "gapi-test", Name: "test", UserID: user.ID, ChannelID: &ch.ID, IsActive: true}
	if err := f.store.DB.Create(&key).Error; err != nil {
		t.Fatal(err)
	}
	return &key, &official
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	w := f.do(httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "status").String() != "ok" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestMissingKeyUnauthorized(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	w := f.do(r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "error.type").String() != "authentication_error" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestUnknownGatewayKeyRejected(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer gapi-nope")
	w := f.do(r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUnboundGatewayKeyRejected(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	user := store.User{Username: "bob", IsActive: true}
	if err := f.store.DB.Create(&user).Error; err != nil {
		t.Fatal(err)
	}
	key := store.ExclusiveKey{Key: "gapi-unbound", UserID: user.ID, IsActive: true}
	if err := f.store.DB.Create(&key).Error; err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4","messages":[]}`))
	r.Header.Set("Authorization", "Bearer gapi-unbound")
	w := f.do(r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not bound") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestGeminiPassThroughRelaysBytes(t *testing.T) {
	upstreamBody := `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1,"totalTokenCount":4}}`
	var gotPath, gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("x-goog-api-key")
		gotQuery = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamBody))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	body := `{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}`
	r := httptest.NewRequest("POST", "/v1beta/models/gemini-1.5-flash:generateContent", strings.NewReader(body))
	r.Header.Set("x-goog-api-key", "AIzaTestClientKey")
	w := f.do(r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != upstreamBody {
		t.Fatalf("body not relayed verbatim: %s", w.Body.String())
	}
	if gotPath != "/v1beta/models/gemini-1.5-flash:generateContent" {
		t.Fatalf("upstream path = %s", gotPath)
	}
	if gotHeader != "AIzaTestClientKey" || gotQuery != "AIzaTestClientKey" {
		t.Fatalf("key not forwarded: header=%q query=%q", gotHeader, gotQuery)
	}

	var row store.Log
	if err := f.store.DB.First(&row).Error; err != nil {
		t.Fatal(err)
	}
	if row.Status != store.LogStatusOK || row.Model != "gemini-1.5-flash" {
		t.Fatalf("log row = %+v", row)
	}
	if row.OfficialKeyID != nil {
		t.Fatal("pass-through credential must not be attributed to a pooled key")
	}
	if row.OutputTokens != 1 {
		t.Fatalf("output tokens = %d, want usage from upstream", row.OutputTokens)
	}
}

func TestOpenAIClientStreamsFromGeminiChannel(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]},"index":0}]},` + "\r\n" +
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":2,"totalTokenCount":10}}]`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, official := f.seedGatewayKey(t, "gemini", "AIzaPool1")

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"say hello"}]}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer gapi-test")
	w := f.do(r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}
	if !strings.Contains(gotPath, "gemini-1.5-pro:streamGenerateContent") {
		t.Fatalf("upstream path = %s, want mapped model and stream action", gotPath)
	}
	if gotKey != "AIzaPool1" {
		t.Fatalf("upstream key = %q, want pooled key", gotKey)
	}

	out := w.Body.String()
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated: %q", out)
	}
	var text strings.Builder
	for _, line := range strings.Split(out, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		text.WriteString(gjson.Get(payload, "choices.0.delta.content").String())
	}
	if text.String() != "Hello" {
		t.Fatalf("assembled deltas = %q", text.String())
	}

	var row store.Log
	if err := f.store.DB.First(&row).Error; err != nil {
		t.Fatal(err)
	}
	if row.Status != store.LogStatusOK || !row.IsStream || row.OutputTokens == 0 {
		t.Fatalf("log row = %+v", row)
	}
	if row.TTFT <= 0 || row.TTFT > row.Latency {
		t.Fatalf("ttft = %f, latency = %f", row.TTFT, row.Latency)
	}

	var key store.OfficialKey
	if err := f.store.DB.First(&key, official.ID).Error; err != nil {
		t.Fatal(err)
	}
	if key.UsageCount != 1 || key.LastStatus != "200" {
		t.Fatalf("key stats = %+v", key)
	}
}

func TestClientCancelMidStreamSparesKey(t *testing.T) {
	firstChunk := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]},"index":0}]}`))
		w.(http.Flusher).Flush()
		close(firstChunk)
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, official := f.seedGatewayKey(t, "gemini", "AIzaPool1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-firstChunk
		cancel()
	}()

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body)).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer gapi-test")
	w := f.do(r)

	if strings.Contains(w.Body.String(), "interrupted") {
		t.Fatalf("disconnect reported as upstream failure: %s", w.Body.String())
	}

	var row store.Log
	if err := f.store.DB.First(&row).Error; err != nil {
		t.Fatal(err)
	}
	if row.Status != store.LogStatusError || row.StatusCode != 499 {
		t.Fatalf("log row = %q/%d, want error/499", row.Status, row.StatusCode)
	}

	var key store.OfficialKey
	if err := f.store.DB.First(&key, official.ID).Error; err != nil {
		t.Fatal(err)
	}
	if key.ErrorCount != 0 || key.UsageCount != 0 || !key.IsActive {
		t.Fatalf("impatient client counted against the key: %+v", key)
	}
}

func TestStreamTTFTCountsFromFirstUpstreamByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Open the array, then stall before the first complete frame.
		w.Write([]byte("["))
		w.(http.Flusher).Flush()
		time.Sleep(120 * time.Millisecond)
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP","index":0}]}]`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedGatewayKey(t, "gemini", "AIzaPool1")

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer gapi-test")
	w := f.do(r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var row store.Log
	if err := f.store.DB.First(&row).Error; err != nil {
		t.Fatal(err)
	}
	if row.TTFT <= 0 {
		t.Fatalf("ttft = %f, want positive", row.TTFT)
	}
	// The opening byte arrives well before the stalled first frame.
	if row.TTFT >= row.Latency/2 {
		t.Fatalf("ttft = %f vs latency %f, marked at first decoded frame instead of first byte", row.TTFT, row.Latency)
	}
}

func TestGeminiErrorConvertedToOpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"API key lacks permission","status":"PERMISSION_DENIED"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, official := f.seedGatewayKey(t, "gemini", "AIzaPool1")

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer gapi-test")
	w := f.do(r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	got := w.Body.String()
	if gjson.Get(got, "error.type").String() != "permission_denied_error" {
		t.Fatalf("error type = %s", got)
	}
	if gjson.Get(got, "error.code").String() != "PERMISSION_DENIED" {
		t.Fatalf("error code = %s", got)
	}
	if gjson.Get(got, "error.message").String() != "API key lacks permission" {
		t.Fatalf("error message = %s", got)
	}

	var key store.OfficialKey
	if err := f.store.DB.First(&key, official.ID).Error; err != nil {
		t.Fatal(err)
	}
	if key.ErrorCount != 1 || key.LastStatus != "403" {
		t.Fatalf("key stats = %+v", key)
	}
}

func TestRateLimitedKeyAutoDisables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, official := f.seedGatewayKey(t, "openai", "sk-pool1")
	f.store.DB.Model(official).Update("error_count", 2)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte(body)))
	r.Header.Set("Authorization", "Bearer gapi-test")
	w := f.do(r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}

	var key store.OfficialKey
	if err := f.store.DB.First(&key, official.ID).Error; err != nil {
		t.Fatal(err)
	}
	if key.IsActive {
		t.Fatal("key still active after third consecutive error")
	}
	if key.LastStatus != "auto_disabled" {
		t.Fatalf("last status = %s", key.LastStatus)
	}

	// The pool has nothing left to serve.
	r = httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte(body)))
	r.Header.Set("Authorization", "Bearer gapi-test")
	w = f.do(r)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "all keys disabled") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestClaudeClientAgainstOpenAIChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-pool1" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o",` +
			`"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],` +
			`"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.seedGatewayKey(t, "openai", "sk-pool1")

	body := `{"model":"claude-3-5-sonnet-20240620","max_tokens":100,"messages":[{"role":"user","content":"ping"}]}`
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	r.Header.Set("x-api-key", "gapi-test")
	r.Header.Set("anthropic-version", "2023-06-01")
	w := f.do(r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	got := w.Body.String()
	if gjson.Get(got, "type").String() != "message" {
		t.Fatalf("response not claude-shaped: %s", got)
	}
	if gjson.Get(got, "content.0.text").String() != "pong" {
		t.Fatalf("content = %s", got)
	}
	if gjson.Get(got, "usage.output_tokens").Int() != 1 {
		t.Fatalf("usage = %s", got)
	}
}

func TestMethodNotAllowedAnswersInClientFormat(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	r := httptest.NewRequest("DELETE", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-x")
	w := f.do(r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
	if !gjson.Get(w.Body.String(), "error.message").Exists() {
		t.Fatalf("body = %s", w.Body.String())
	}
}
