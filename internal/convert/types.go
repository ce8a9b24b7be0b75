// Package convert translates chat-completion requests, responses and stream
// chunks among the OpenAI, Gemini and Claude wire formats. The canonical
// intermediate form is the OpenAI chat-completion shape.
package convert

import (
	"encoding/json"
	"strings"
)

// Format identifies one of the three supported wire formats. The same values
// double as upstream provider identifiers.
type Format string

const (
	FormatOpenAI Format = "openai"
	FormatGemini Format = "gemini"
	FormatClaude Format = "claude"
)

// ChatRequest is the canonical request form.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message is a single canonical chat turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
	Name    string  `json:"name,omitempty"`
}

// Content is either a plain string or an ordered list of parts. Parts being
// nil means plain text.
type Content struct {
	Text  string
	Parts []Part
}

// Part is one element of a multimodal content list.
type Part struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef carries an image URL, typically a data: URL with base64 payload.
type ImageRef struct {
	URL string `json:"url"`
}

// MarshalJSON emits a bare string for text content and a part array otherwise.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON accepts both the string and the part-array content shapes.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Parts = parts
		return nil
	}
	// Unknown shape: keep the raw bytes as text so nothing is lost.
	c.Text = string(data)
	return nil
}

// PlainText flattens the content to a single string. Text parts are joined
// with newlines; image parts are skipped.
func (c Content) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// MapText returns a copy of the content with fn applied to every textual
// piece. Image parts are untouched; the receiver is never mutated.
func (c Content) MapText(fn func(string) string) Content {
	if c.Parts == nil {
		c.Text = fn(c.Text)
		return c
	}
	parts := make([]Part, len(c.Parts))
	copy(parts, c.Parts)
	for i := range parts {
		if parts[i].Type == "text" {
			parts[i].Text = fn(parts[i].Text)
		}
	}
	c.Parts = parts
	return c
}

// TextContent builds a plain-string Content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// ChatResponse is the canonical non-streaming response form.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// StreamChunk is the canonical streaming delta form.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AssistantText extracts the assistant message text from a response.
func (r *ChatResponse) AssistantText() string {
	if len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return ""
	}
	return r.Choices[0].Message.Content.PlainText()
}

// DeltaText extracts the delta text from a stream chunk.
func (c *StreamChunk) DeltaText() string {
	if len(c.Choices) == 0 || c.Choices[0].Delta == nil {
		return ""
	}
	return c.Choices[0].Delta.Content.PlainText()
}

// SetDeltaText replaces the delta text of a stream chunk, if present.
func (c *StreamChunk) SetDeltaText(s string) {
	if len(c.Choices) == 0 || c.Choices[0].Delta == nil {
		return
	}
	c.Choices[0].Delta.Content = TextContent(s)
}

func strPtr(s string) *string { return &s }
