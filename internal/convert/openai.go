package convert

import (
	"encoding/json"
	"fmt"
	"time"
)

// ParseRequest normalizes a client body in the given format to the canonical
// form. model carries the URL model for Gemini-format requests (the Gemini
// body has no model field); stream the URL action, for the same reason.
func ParseRequest(body []byte, format Format, model string, stream bool) (*ChatRequest, error) {
	switch format {
	case FormatGemini:
		return GeminiRequestToCanonical(body, model, stream)
	case FormatClaude:
		return ClaudeRequestToCanonical(body)
	default:
		var req ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("parse openai request: %w", err)
		}
		return &req, nil
	}
}

// BuildRequest emits the provider-specific request body for a canonical
// request. The model must already be resolved via MapModel.
func BuildRequest(req *ChatRequest, target Format) ([]byte, error) {
	switch target {
	case FormatGemini:
		return json.Marshal(RequestToGemini(req))
	case FormatClaude:
		return json.Marshal(RequestToClaude(req))
	default:
		// The chat endpoint rejects a null messages list; send a minimal
		// user turn, as the other targets do.
		if len(req.Messages) == 0 {
			clone := *req
			clone.Messages = []Message{{Role: "user", Content: TextContent("")}}
			return json.Marshal(&clone)
		}
		return json.Marshal(req)
	}
}

// ParseResponse normalizes an upstream non-streaming response body.
func ParseResponse(body []byte, format Format, model string) (*ChatResponse, error) {
	switch format {
	case FormatGemini:
		return GeminiResponseToCanonical(body, model)
	case FormatClaude:
		return ClaudeResponseToCanonical(body)
	default:
		var resp ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("parse openai response: %w", err)
		}
		return &resp, nil
	}
}

// BuildResponse emits the client-format body for a canonical response.
func BuildResponse(resp *ChatResponse, target Format) ([]byte, error) {
	switch target {
	case FormatGemini:
		return ResponseToGemini(resp)
	case FormatClaude:
		return ResponseToClaude(resp)
	default:
		return json.Marshal(resp)
	}
}

func newResponseID() string {
	return "chatcmpl-" + time.Now().Format("20060102150405.000000")
}

func newChunk(model, text string, finish *string) *StreamChunk {
	chunk := &StreamChunk{
		ID:      "chatcmpl-anygate",
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index: 0,
			Delta: &Message{
				Role:    "assistant",
				Content: TextContent(text),
			},
			FinishReason: finish,
		}},
	}
	return chunk
}
