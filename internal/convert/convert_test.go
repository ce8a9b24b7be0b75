package convert

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestContentShapes(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`"plain"`), &c); err != nil {
		t.Fatal(err)
	}
	if c.Text != "plain" || c.Parts != nil {
		t.Fatalf("content = %+v", c)
	}

	if err := json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AA=="}}]`), &c); err != nil {
		t.Fatal(err)
	}
	if len(c.Parts) != 2 || c.PlainText() != "a" {
		t.Fatalf("content = %+v", c)
	}

	out, err := json.Marshal(TextContent("x"))
	if err != nil || string(out) != `"x"` {
		t.Fatalf("marshal = %s, %v", out, err)
	}
}

func TestMapTextDoesNotMutate(t *testing.T) {
	orig := Content{Parts: []Part{{Type: "text", Text: "a"}, {Type: "image_url", ImageURL: &ImageRef{URL: "u"}}}}
	mapped := orig.MapText(strings.ToUpper)
	if mapped.Parts[0].Text != "A" {
		t.Fatalf("mapped = %+v", mapped)
	}
	if orig.Parts[0].Text != "a" {
		t.Fatal("receiver mutated")
	}
	if mapped.Parts[1].ImageURL.URL != "u" {
		t.Fatal("image part touched")
	}
}

func TestRequestToGemini(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []Message{
			{Role: "system", Content: TextContent("be terse")},
			{Role: "user", Content: TextContent("hi")},
			{Role: "assistant", Content: TextContent("hello")},
			{Role: "user", Content: TextContent("more")},
		},
		Temperature: floatPtr(0.5),
		MaxTokens:   intPtr(128),
	}
	out := RequestToGemini(req)
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("system instruction = %+v", out.SystemInstruction)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %+v", out.Contents)
	}
	if out.Contents[1].Role != "model" {
		t.Fatalf("assistant role = %q, want model", out.Contents[1].Role)
	}
	if out.GenerationConfig == nil || *out.GenerationConfig.MaxOutputTokens != 128 {
		t.Fatalf("generation config = %+v", out.GenerationConfig)
	}
}

func TestGeminiRequestToCanonical(t *testing.T) {
	body := `{"systemInstruction":{"parts":[{"text":"sys"}]},"contents":[{"role":"user","parts":[{"text":"q"}]},{"role":"model","parts":[{"text":"a"}]}],"generationConfig":{"temperature":0.7}}`
	req, err := GeminiRequestToCanonical([]byte(body), "gemini-1.5-flash", true)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "gemini-1.5-flash" || !req.Stream {
		t.Fatalf("req = %+v", req)
	}
	if len(req.Messages) != 3 || req.Messages[0].Role != "system" || req.Messages[2].Role != "assistant" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Temperature == nil || *req.Temperature != 0.7 {
		t.Fatalf("temperature = %v", req.Temperature)
	}
}

func TestRequestToClaudeJoinsConsecutiveRoles(t *testing.T) {
	req := &ChatRequest{
		Model: "claude-3-5-sonnet-20240620",
		Messages: []Message{
			{Role: "system", Content: TextContent("sys1")},
			{Role: "system", Content: TextContent("sys2")},
			{Role: "user", Content: TextContent("a")},
			{Role: "user", Content: TextContent("b")},
			{Role: "assistant", Content: TextContent("c")},
		},
	}
	out := RequestToClaude(req)
	if out.System != "sys1\nsys2" {
		t.Fatalf("system = %q", out.System)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("messages = %+v", out.Messages)
	}
	if out.Messages[0].Content.Text != "a\nb" {
		t.Fatalf("joined user turn = %+v", out.Messages[0])
	}
	if out.MaxTokens != claudeDefaultMaxTokens {
		t.Fatalf("max tokens = %d", out.MaxTokens)
	}
}

func TestClaudeRequestToCanonical(t *testing.T) {
	body := `{"model":"claude-3-5-sonnet-20240620","system":"sys","max_tokens":256,"stream":true,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	req, err := ClaudeRequestToCanonical([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "claude-3-5-sonnet-20240620" || !req.Stream || *req.MaxTokens != 256 {
		t.Fatalf("req = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[1].Content.PlainText() != "hi" {
		t.Fatalf("content = %+v", req.Messages[1].Content)
	}
}

func TestGeminiResponseToCanonical(t *testing.T) {
	body := `{"candidates":[{"content":{"role":"model","parts":[{"text":"answer"}]},"finishReason":"MAX_TOKENS","index":0}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":20,"totalTokenCount":30}}`
	resp, err := GeminiResponseToCanonical([]byte(body), "gemini-1.5-pro")
	if err != nil {
		t.Fatal(err)
	}
	if resp.AssistantText() != "answer" {
		t.Fatalf("text = %q", resp.AssistantText())
	}
	if *resp.Choices[0].FinishReason != "length" {
		t.Fatalf("finish = %q", *resp.Choices[0].FinishReason)
	}
	if resp.Usage.CompletionTokens != 20 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestResponseToClaude(t *testing.T) {
	resp := &ChatResponse{
		Model: "gpt-4o",
		Choices: []Choice{{
			Message:      &Message{Role: "assistant", Content: TextContent("pong")},
			FinishReason: strPtr("length"),
		}},
		Usage: &Usage{PromptTokens: 5, CompletionTokens: 7},
	}
	out, err := ResponseToClaude(resp)
	if err != nil {
		t.Fatal(err)
	}
	got := string(out)
	if gjson.Get(got, "type").String() != "message" || gjson.Get(got, "role").String() != "assistant" {
		t.Fatalf("body = %s", got)
	}
	if gjson.Get(got, "content.0.text").String() != "pong" {
		t.Fatalf("body = %s", got)
	}
	if gjson.Get(got, "stop_reason").String() != "max_tokens" {
		t.Fatalf("stop reason = %s", got)
	}
	if gjson.Get(got, "usage.output_tokens").Int() != 7 {
		t.Fatalf("usage = %s", got)
	}
}

func TestMapModel(t *testing.T) {
	cases := []struct {
		model  string
		target Format
		want   string
	}{
		{"gemini-1.5-flash", FormatGemini, "gemini-1.5-flash"},
		{"gpt-3.5-turbo", FormatGemini, "gemini-1.5-flash"},
		{"gpt-4", FormatGemini, DefaultGeminiModel},
		{"", FormatGemini, DefaultGeminiModel},
		{"claude-3-opus", FormatClaude, "claude-3-opus"},
		{"gpt-4", FormatClaude, DefaultClaudeModel},
		{"gpt-4o", FormatOpenAI, "gpt-4o"},
		{"", FormatOpenAI, DefaultOpenAIModel},
	}
	for _, tc := range cases {
		if got := MapModel(tc.model, tc.target); got != tc.want {
			t.Errorf("MapModel(%q, %s) = %q, want %q", tc.model, tc.target, got, tc.want)
		}
	}
}

func TestJSONStreamParserPartialFeeds(t *testing.T) {
	var p JSONStreamParser
	if got := p.Feed([]byte(`[{"a":`)); len(got) != 0 {
		t.Fatalf("premature objects: %v", got)
	}
	got := p.Feed([]byte(`1},{"b":2}`))
	if len(got) != 2 {
		t.Fatalf("objects = %d", len(got))
	}
	if string(got[0]) != `{"a":1}` || string(got[1]) != `{"b":2}` {
		t.Fatalf("objects = %q %q", got[0], got[1])
	}
	if got := p.Feed([]byte(`]`)); len(got) != 0 {
		t.Fatalf("trailing bracket produced objects: %v", got)
	}
}

func TestOpenAIChunkDecoder(t *testing.T) {
	d := NewChunkDecoder(FormatOpenAI, "gpt-4")
	chunks := d.Feed([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"))
	if len(chunks) != 1 || chunks[0].DeltaText() != "hi" {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !d.Done() {
		t.Fatal("decoder not done after [DONE]")
	}
}

func TestClaudeChunkDecoder(t *testing.T) {
	d := NewChunkDecoder(FormatClaude, "claude-3-5-sonnet-20240620")
	feed := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"max_tokens\"},\"usage\":{\"output_tokens\":9}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	chunks := d.Feed([]byte(feed))
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if chunks[0].DeltaText() != "ok" {
		t.Fatalf("delta = %q", chunks[0].DeltaText())
	}
	if *chunks[1].Choices[0].FinishReason != "length" {
		t.Fatalf("finish = %q", *chunks[1].Choices[0].FinishReason)
	}
	if chunks[1].Usage == nil || chunks[1].Usage.CompletionTokens != 9 {
		t.Fatalf("usage = %+v", chunks[1].Usage)
	}
	if !d.Done() {
		t.Fatal("decoder not done after message_stop")
	}
}

func TestGeminiChunkEncoderFraming(t *testing.T) {
	e := NewChunkEncoder(FormatGemini, "gemini-1.5-pro")
	first := e.Encode(newChunk("gemini-1.5-pro", "a", nil))
	if !strings.HasPrefix(string(first), "[") {
		t.Fatalf("first frame = %q", first)
	}
	second := e.Encode(newChunk("gemini-1.5-pro", "b", nil))
	if !strings.HasPrefix(string(second), ",") {
		t.Fatalf("second frame = %q", second)
	}
	if string(e.Trailer()) != "]" {
		t.Fatalf("trailer = %q", e.Trailer())
	}

	full := string(first) + string(second) + "]"
	if !gjson.Valid(full) {
		t.Fatalf("assembled stream is not valid JSON: %s", full)
	}

	empty := NewChunkEncoder(FormatGemini, "gemini-1.5-pro")
	if string(empty.Trailer()) != "[]" {
		t.Fatalf("empty trailer = %q", empty.Trailer())
	}
}

func TestClaudeChunkEncoderSequence(t *testing.T) {
	e := NewChunkEncoder(FormatClaude, "claude-3-5-sonnet-20240620")
	var out strings.Builder
	out.Write(e.Encode(newChunk("claude-3-5-sonnet-20240620", "hi", nil)))
	out.Write(e.Trailer())

	s := out.String()
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		if !strings.Contains(s, "event: "+event+"\n") {
			t.Fatalf("missing %s event in %q", event, s)
		}
	}
	if strings.Count(s, "event: message_start") != 1 {
		t.Fatal("message_start emitted more than once")
	}
}

func TestOpenAIChunkEncoderTrailer(t *testing.T) {
	e := NewChunkEncoder(FormatOpenAI, "gpt-4")
	frame := string(e.Encode(newChunk("gpt-4", "x", nil)))
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame = %q", frame)
	}
	if string(e.Trailer()) != "data: [DONE]\n\n" {
		t.Fatalf("trailer = %q", e.Trailer())
	}
}

func TestImageContentRoundsThroughGemini(t *testing.T) {
	req := &ChatRequest{Messages: []Message{{
		Role: "user",
		Content: Content{Parts: []Part{
			{Type: "text", Text: "describe"},
			{Type: "image_url", ImageURL: &ImageRef{URL: "data:image/png;base64,AAAA"}},
		}},
	}}}
	out := RequestToGemini(req)
	parts := out.Contents[0].Parts
	if len(parts) != 2 || parts[1].InlineData == nil {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].InlineData.MimeType != "image/png" || parts[1].InlineData.Data != "AAAA" {
		t.Fatalf("inline data = %+v", parts[1].InlineData)
	}
}

func TestBuildRequestEmptyMessages(t *testing.T) {
	req := &ChatRequest{Model: "gpt-4"}
	targets := map[Format]string{
		FormatOpenAI: "messages",
		FormatGemini: "contents",
		FormatClaude: "messages",
	}
	for target, path := range targets {
		body, err := BuildRequest(req, target)
		if err != nil {
			t.Fatalf("%s: %v", target, err)
		}
		turns := gjson.GetBytes(body, path).Array()
		if len(turns) != 1 || turns[0].Get("role").String() != "user" {
			t.Fatalf("%s: %s, want one synthesized user turn", target, body)
		}
	}
	if req.Messages != nil {
		t.Fatal("caller's request mutated")
	}
}
