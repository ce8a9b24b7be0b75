// Package handlers registers the HTTP surface and binds routes to the
// dispatcher.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/anygate/internal/apierr"
	"github.com/pysugar/anygate/internal/convert"
	"github.com/pysugar/anygate/internal/proxy"
)

// ChatCompletions serves POST /v1/chat/completions.
func ChatCompletions(d *proxy.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Chat(w, r, proxy.ChatOptions{ClientFormat: convert.FormatOpenAI})
	}
}

// ClaudeMessages serves POST /v1/messages.
func ClaudeMessages(d *proxy.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Chat(w, r, proxy.ChatOptions{ClientFormat: convert.FormatClaude})
	}
}

// GeminiGenerate serves POST /v1beta/models/{model}:generateContent. The
// model rides in the path, not the body.
func GeminiGenerate(d *proxy.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Chat(w, r, proxy.ChatOptions{
			ClientFormat: convert.FormatGemini,
			Model:        chi.URLParam(r, "model"),
		})
	}
}

// GeminiStreamGenerate serves POST /v1beta/models/{model}:streamGenerateContent.
func GeminiStreamGenerate(d *proxy.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Chat(w, r, proxy.ChatOptions{
			ClientFormat: convert.FormatGemini,
			Model:        chi.URLParam(r, "model"),
			Stream:       true,
		})
	}
}

// Forwarded relays model listings and unknown provider paths unchanged.
func Forwarded(d *proxy.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Proxy(w, r)
	}
}

// MethodNotAllowed answers in the detected client format so SDK error
// parsers keep working.
func MethodNotAllowed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := proxy.DetectFormat(r)
		apierr.Write(w, apierr.New(http.StatusMethodNotAllowed, "method not allowed"), format)
	}
}
