package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/pysugar/anygate/internal/convert"
)

type openAIErrorBody struct {
	Error openAIErrorDetail `json:"error"`
}

type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type geminiErrorBody struct {
	Error geminiErrorDetail `json:"error"`
}

type geminiErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type claudeErrorBody struct {
	Type  string            `json:"type"`
	Error claudeErrorDetail `json:"error"`
}

type claudeErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Convert re-shapes an upstream error body into the client's wire format.
// Same-format errors pass through untouched; unparseable bodies are wrapped
// into a synthetic error carrying the raw text.
func Convert(body []byte, status int, from, to convert.Format) []byte {
	if from == to {
		if json.Valid(body) {
			return body
		}
		return Encode(parseFallback(body, status, from), to)
	}
	return Encode(Parse(body, status, from), to)
}

// Parse extracts an APIError from an upstream error body in the given format.
func Parse(body []byte, status int, from convert.Format) *APIError {
	switch from {
	case convert.FormatGemini:
		msg := gjson.GetBytes(body, "error.message")
		if !msg.Exists() {
			return parseFallback(body, status, from)
		}
		geminiStatus := gjson.GetBytes(body, "error.status").String()
		t, ok := geminiStatusToType[geminiStatus]
		if !ok {
			t, _ = typeForStatus(status)
		}
		return &APIError{
			Status:  status,
			Type:    t,
			Message: msg.String(),
			Code:    geminiStatus,
		}
	case convert.FormatClaude:
		msg := gjson.GetBytes(body, "error.message")
		if !msg.Exists() {
			return parseFallback(body, status, from)
		}
		t := gjson.GetBytes(body, "error.type").String()
		if t == "" {
			t, _ = typeForStatus(status)
		}
		return &APIError{
			Status:  status,
			Type:    t,
			Message: msg.String(),
			Code:    fmt.Sprintf("%d", status),
		}
	default:
		msg := gjson.GetBytes(body, "error.message")
		if !msg.Exists() {
			return parseFallback(body, status, from)
		}
		return &APIError{
			Status:  status,
			Type:    gjson.GetBytes(body, "error.type").String(),
			Message: msg.String(),
			Param:   gjson.GetBytes(body, "error.param").String(),
			Code:    gjson.GetBytes(body, "error.code").String(),
		}
	}
}

func parseFallback(body []byte, status int, from convert.Format) *APIError {
	e := New(status, fmt.Sprintf("%s error (HTTP %d): %s", from, status, body))
	return e
}

// Encode renders the APIError in the target wire format.
func Encode(e *APIError, to convert.Format) []byte {
	switch to {
	case convert.FormatGemini:
		_, geminiStatus := typeForStatus(e.Status)
		if s, ok := typeToGeminiStatus[e.Type]; ok {
			geminiStatus = s
		}
		out, _ := json.Marshal(geminiErrorBody{Error: geminiErrorDetail{
			Code:    e.Status,
			Message: e.Message,
			Status:  geminiStatus,
		}})
		return out
	case convert.FormatClaude:
		out, _ := json.Marshal(claudeErrorBody{Type: "error", Error: claudeErrorDetail{
			Type:    e.Type,
			Message: e.Message,
		}})
		return out
	default:
		out, _ := json.Marshal(openAIErrorBody{Error: openAIErrorDetail{
			Message: e.Message,
			Type:    e.Type,
			Param:   e.Param,
			Code:    e.Code,
		}})
		return out
	}
}

// Write emits the error as a terminal JSON body in the client format.
func Write(w http.ResponseWriter, e *APIError, format convert.Format) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	w.Write(Encode(e, format))
}

// SSEFrame renders the error as a single SSE data frame for streaming
// clients.
func SSEFrame(e *APIError, format convert.Format) []byte {
	return []byte("data: " + string(Encode(e, format)) + "\n\n")
}
