package convert

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claude wire structures (api.anthropic.com, 2023-06-01).

type ClaudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []ClaudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop_sequences,omitempty"`
}

type ClaudeMessage struct {
	Role    string        `json:"role"`
	Content ClaudeContent `json:"content"`
}

// ClaudeContent mirrors Content: either a bare string or a block list.
type ClaudeContent struct {
	Text   string
	Blocks []ClaudeBlock
}

type ClaudeBlock struct {
	Type   string        `json:"type"` // "text" | "image"
	Text   string        `json:"text,omitempty"`
	Source *ClaudeSource `json:"source,omitempty"`
}

type ClaudeSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (c ClaudeContent) MarshalJSON() ([]byte, error) {
	if c.Blocks == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

func (c *ClaudeContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []ClaudeBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Blocks = blocks
		return nil
	}
	c.Text = string(data)
	return nil
}

func (c ClaudeContent) plainText() string {
	if c.Blocks == nil {
		return c.Text
	}
	var texts []string
	for _, b := range c.Blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

type ClaudeResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []ClaudeBlock `json:"content"`
	StopReason   string        `json:"stop_reason,omitempty"`
	StopSequence *string       `json:"stop_sequence,omitempty"`
	Usage        ClaudeUsage   `json:"usage"`
}

type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ClaudeStreamEvent is a single named SSE event payload.
type ClaudeStreamEvent struct {
	Type         string          `json:"type"`
	Message      *ClaudeResponse `json:"message,omitempty"`
	Index        *int            `json:"index,omitempty"`
	ContentBlock *ClaudeBlock    `json:"content_block,omitempty"`
	Delta        *ClaudeDelta    `json:"delta,omitempty"`
	Usage        *ClaudeUsage    `json:"usage,omitempty"`
}

type ClaudeDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

const claudeDefaultMaxTokens = 4096

// RequestToClaude converts a canonical request to the Claude body. System
// messages concatenate into the top-level system string; consecutive
// same-role turns are joined with newlines to satisfy Claude's alternation
// requirement.
func RequestToClaude(req *ChatRequest) *ClaudeRequest {
	out := &ClaudeRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		MaxTokens:   claudeDefaultMaxTokens,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var systems []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systems = append(systems, msg.Content.PlainText())
			continue
		}
		role := msg.Role
		if role != "assistant" {
			role = "user"
		}
		content := contentToClaude(msg.Content)
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			prev := &out.Messages[n-1]
			prev.Content = joinClaudeContent(prev.Content, content)
			continue
		}
		out.Messages = append(out.Messages, ClaudeMessage{Role: role, Content: content})
	}
	out.System = strings.Join(systems, "\n")
	if len(out.Messages) == 0 {
		out.Messages = []ClaudeMessage{{Role: "user", Content: ClaudeContent{Text: ""}}}
	}
	return out
}

func contentToClaude(c Content) ClaudeContent {
	if c.Parts == nil {
		return ClaudeContent{Text: c.Text}
	}
	var blocks []ClaudeBlock
	for _, p := range c.Parts {
		switch p.Type {
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mime, data, ok := splitDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, ClaudeBlock{
					Type:   "image",
					Source: &ClaudeSource{Type: "base64", MediaType: mime, Data: data},
				})
			} else {
				blocks = append(blocks, ClaudeBlock{Type: "text", Text: p.ImageURL.URL})
			}
		default:
			blocks = append(blocks, ClaudeBlock{Type: "text", Text: p.Text})
		}
	}
	return ClaudeContent{Blocks: blocks}
}

func joinClaudeContent(a, b ClaudeContent) ClaudeContent {
	if a.Blocks == nil && b.Blocks == nil {
		return ClaudeContent{Text: a.Text + "\n" + b.Text}
	}
	blocks := a.Blocks
	if blocks == nil {
		blocks = []ClaudeBlock{{Type: "text", Text: a.Text}}
	}
	if b.Blocks == nil {
		blocks = append(blocks, ClaudeBlock{Type: "text", Text: b.Text})
	} else {
		blocks = append(blocks, b.Blocks...)
	}
	return ClaudeContent{Blocks: blocks}
}

// ClaudeRequestToCanonical parses a Claude-format client request.
func ClaudeRequestToCanonical(body []byte) (*ChatRequest, error) {
	var in ClaudeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse claude request: %w", err)
	}
	req := &ChatRequest{
		Model:       in.Model,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.Stop,
	}
	if in.MaxTokens > 0 {
		mt := in.MaxTokens
		req.MaxTokens = &mt
	}
	if in.System != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: TextContent(in.System)})
	}
	for _, msg := range in.Messages {
		req.Messages = append(req.Messages, Message{
			Role:    msg.Role,
			Content: claudeContentToCanonical(msg.Content),
		})
	}
	return req, nil
}

func claudeContentToCanonical(c ClaudeContent) Content {
	if c.Blocks == nil {
		return TextContent(c.Text)
	}
	hasImage := false
	for _, b := range c.Blocks {
		if b.Type == "image" {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return TextContent(c.plainText())
	}
	var parts []Part
	for _, b := range c.Blocks {
		if b.Type == "image" && b.Source != nil {
			parts = append(parts, Part{
				Type:     "image_url",
				ImageURL: &ImageRef{URL: "data:" + b.Source.MediaType + ";base64," + b.Source.Data},
			})
			continue
		}
		parts = append(parts, Part{Type: "text", Text: b.Text})
	}
	return Content{Parts: parts}
}

// ClaudeResponseToCanonical converts an upstream Claude response.
func ClaudeResponseToCanonical(body []byte) (*ChatResponse, error) {
	var in ClaudeResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse claude response: %w", err)
	}
	var texts []string
	for _, b := range in.Content {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	resp := &ChatResponse{
		ID:      in.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   in.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      &Message{Role: "assistant", Content: TextContent(strings.Join(texts, ""))},
			FinishReason: strPtr(claudeStopToOpenAI(in.StopReason)),
		}},
		Usage: &Usage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}
	return resp, nil
}

// ResponseToClaude converts a canonical response to the Claude shape.
func ResponseToClaude(resp *ChatResponse) ([]byte, error) {
	out := ClaudeResponse{
		ID:         "msg_" + time.Now().Format("20060102150405"),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: openAIFinishToClaude(choiceFinish(resp.Choices)),
		Content:    []ClaudeBlock{{Type: "text", Text: resp.AssistantText()}},
	}
	if resp.Usage != nil {
		out.Usage = ClaudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}

// ClaudeEventToCanonical converts one named Claude SSE event. Events that
// carry no delta for the client (message_start, ping, content_block_stop)
// return nil.
func ClaudeEventToCanonical(event string, data []byte, model string) (*StreamChunk, error) {
	var in ClaudeStreamEvent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse claude event: %w", err)
	}
	if event == "" {
		event = in.Type
	}
	switch event {
	case "content_block_delta":
		if in.Delta == nil {
			return nil, nil
		}
		return newChunk(model, in.Delta.Text, nil), nil
	case "message_delta":
		finish := "stop"
		if in.Delta != nil && in.Delta.StopReason != "" {
			finish = claudeStopToOpenAI(in.Delta.StopReason)
		}
		chunk := newChunk(model, "", strPtr(finish))
		if in.Usage != nil {
			chunk.Usage = &Usage{
				PromptTokens:     in.Usage.InputTokens,
				CompletionTokens: in.Usage.OutputTokens,
				TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
			}
		}
		return chunk, nil
	default:
		return nil, nil
	}
}

func claudeStopToOpenAI(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func openAIFinishToClaude(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
