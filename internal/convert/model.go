package convert

import "strings"

// Defaults used when the client names no model at all.
const (
	DefaultOpenAIModel = "gpt-3.5-turbo"
	DefaultGeminiModel = "gemini-1.5-pro"
	DefaultClaudeModel = "claude-3-5-sonnet-20240620"
)

// MapModel resolves the model the upstream provider will actually serve.
// Models already belonging to the target family pass through unchanged;
// foreign families fall back through a fixed table.
func MapModel(model string, target Format) string {
	switch target {
	case FormatGemini:
		if model == "" {
			return DefaultGeminiModel
		}
		if strings.Contains(strings.ToLower(model), "gemini") {
			return model
		}
		if strings.Contains(model, "gpt-3.5") {
			return "gemini-1.5-flash"
		}
		if strings.Contains(model, "gpt-4") {
			return DefaultGeminiModel
		}
		// Unknown family: fall back rather than risk a 404 upstream.
		return DefaultGeminiModel
	case FormatClaude:
		if strings.HasPrefix(model, "claude-") {
			return model
		}
		return DefaultClaudeModel
	default:
		if model == "" {
			return DefaultOpenAIModel
		}
		return model
	}
}

// GeminiModelPath ensures the "models/" prefix the Gemini REST API expects.
func GeminiModelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// GeminiAction selects the generate action for the stream flag.
func GeminiAction(stream bool) string {
	if stream {
		return "streamGenerateContent"
	}
	return "generateContent"
}
