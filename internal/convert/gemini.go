package convert

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Gemini wire structures (generativelanguage.googleapis.com v1beta).

type GeminiRequest struct {
	Contents          []GeminiContent  `json:"contents"`
	SystemInstruction *GeminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenConfig `json:"generationConfig,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // omitted for systemInstruction
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// RequestToGemini converts a canonical request to the Gemini body. Leading
// system messages collapse into systemInstruction; assistant maps to model.
func RequestToGemini(req *ChatRequest) *GeminiRequest {
	out := &GeminiRequest{}
	var systemParts []GeminiPart

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, GeminiPart{Text: msg.Content.PlainText()})
			continue
		}
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, GeminiContent{
			Role:  role,
			Parts: contentToGeminiParts(msg.Content),
		})
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &GeminiContent{Parts: systemParts}
	}
	// Gemini rejects an empty contents list; send a minimal user turn.
	if len(out.Contents) == 0 {
		out.Contents = []GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: ""}}}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &GeminiGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func contentToGeminiParts(c Content) []GeminiPart {
	if c.Parts == nil {
		return []GeminiPart{{Text: c.Text}}
	}
	var parts []GeminiPart
	for _, p := range c.Parts {
		switch p.Type {
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mime, data, ok := splitDataURL(p.ImageURL.URL); ok {
				parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{MimeType: mime, Data: data}})
			} else {
				// Remote URLs have no inlineData equivalent; degrade to text.
				parts = append(parts, GeminiPart{Text: p.ImageURL.URL})
			}
		default:
			parts = append(parts, GeminiPart{Text: p.Text})
		}
	}
	if len(parts) == 0 {
		parts = []GeminiPart{{Text: ""}}
	}
	return parts
}

// splitDataURL splits "data:<mime>;base64,<data>" into its pieces.
func splitDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	return mime, payload, true
}

// GeminiRequestToCanonical parses a Gemini-format client request. The model
// and stream flag come from the URL, not the body.
func GeminiRequestToCanonical(body []byte, model string, stream bool) (*ChatRequest, error) {
	var in GeminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse gemini request: %w", err)
	}
	req := &ChatRequest{Model: model, Stream: stream}
	if in.SystemInstruction != nil {
		req.Messages = append(req.Messages, Message{
			Role:    "system",
			Content: TextContent(geminiPartsText(in.SystemInstruction.Parts)),
		})
	}
	for _, content := range in.Contents {
		role := content.Role
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}
		req.Messages = append(req.Messages, Message{
			Role:    role,
			Content: geminiPartsToContent(content.Parts),
		})
	}
	if gc := in.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.MaxTokens = gc.MaxOutputTokens
		req.Stop = gc.StopSequences
	}
	return req, nil
}

func geminiPartsText(parts []GeminiPart) string {
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func geminiPartsToContent(parts []GeminiPart) Content {
	hasInline := false
	for _, p := range parts {
		if p.InlineData != nil {
			hasInline = true
			break
		}
	}
	if !hasInline {
		return TextContent(geminiPartsText(parts))
	}
	var out []Part
	for _, p := range parts {
		if p.InlineData != nil {
			out = append(out, Part{
				Type:     "image_url",
				ImageURL: &ImageRef{URL: "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data},
			})
			continue
		}
		out = append(out, Part{Type: "text", Text: p.Text})
	}
	return Content{Parts: out}
}

// GeminiResponseToCanonical converts an upstream Gemini response.
func GeminiResponseToCanonical(body []byte, model string) (*ChatResponse, error) {
	var in GeminiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	text := ""
	finish := "stop"
	if len(in.Candidates) > 0 {
		text = geminiPartsText(in.Candidates[0].Content.Parts)
		finish = geminiFinishToOpenAI(in.Candidates[0].FinishReason)
	}
	resp := &ChatResponse{
		ID:      newResponseID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      &Message{Role: "assistant", Content: TextContent(text)},
			FinishReason: strPtr(finish),
		}},
	}
	if u := in.UsageMetadata; u != nil {
		resp.Usage = &Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return resp, nil
}

// ResponseToGemini converts a canonical response back to the Gemini shape.
func ResponseToGemini(resp *ChatResponse) ([]byte, error) {
	out := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{
				Role:  "model",
				Parts: []GeminiPart{{Text: resp.AssistantText()}},
			},
			FinishReason: openAIFinishToGemini(choiceFinish(resp.Choices)),
			Index:        0,
		}},
	}
	if resp.Usage != nil {
		out.UsageMetadata = &GeminiUsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

// GeminiChunkToCanonical converts one decoded Gemini stream object.
func GeminiChunkToCanonical(raw []byte, model string) (*StreamChunk, error) {
	var in GeminiResponse
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse gemini chunk: %w", err)
	}
	text := ""
	var finish *string
	if len(in.Candidates) > 0 {
		text = geminiPartsText(in.Candidates[0].Content.Parts)
		if fr := in.Candidates[0].FinishReason; fr != "" {
			finish = strPtr(geminiFinishToOpenAI(fr))
		}
	}
	chunk := newChunk(model, text, finish)
	if u := in.UsageMetadata; u != nil {
		chunk.Usage = &Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return chunk, nil
}

// ChunkToGemini converts a canonical chunk to one Gemini stream object.
func ChunkToGemini(chunk *StreamChunk) ([]byte, error) {
	out := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{
				Role:  "model",
				Parts: []GeminiPart{{Text: chunk.DeltaText()}},
			},
			Index: 0,
		}},
	}
	if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != nil {
		out.Candidates[0].FinishReason = openAIFinishToGemini(*chunk.Choices[0].FinishReason)
	}
	if chunk.Usage != nil {
		out.UsageMetadata = &GeminiUsageMetadata{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

func geminiFinishToOpenAI(reason string) string {
	switch reason {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

func openAIFinishToGemini(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	case "":
		return ""
	default:
		return "STOP"
	}
}

func choiceFinish(choices []Choice) string {
	if len(choices) > 0 && choices[0].FinishReason != nil {
		return *choices[0].FinishReason
	}
	return "stop"
}
