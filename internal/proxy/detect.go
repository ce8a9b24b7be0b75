// Package proxy is the dispatch core: format detection, credential
// resolution and the request pipeline between client and provider wire
// formats.
package proxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/pysugar/anygate/internal/convert"
	"github.com/pysugar/anygate/internal/store"
)

// DetectFormat decides the client's wire format: path first, then headers,
// then the OpenAI default.
func DetectFormat(r *http.Request) convert.Format {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/v1beta/") || strings.HasPrefix(path, "/gemini/"):
		return convert.FormatGemini
	case strings.HasSuffix(path, "/messages") && (strings.HasPrefix(path, "/v1") || strings.HasPrefix(path, "/claude")):
		return convert.FormatClaude
	case path == "/v1/chat/completions" || strings.HasPrefix(path, "/openai/"):
		return convert.FormatOpenAI
	}

	switch {
	case r.Header.Get("x-goog-api-key") != "":
		return convert.FormatGemini
	case r.Header.Get("x-api-key") != "" || r.Header.Get("anthropic-version") != "":
		return convert.FormatClaude
	case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "):
		return convert.FormatOpenAI
	}
	return convert.FormatOpenAI
}

// ProviderForSecret identifies the upstream provider from the resolved key's
// prefix.
func ProviderForSecret(secret string) convert.Format {
	switch {
	case strings.HasPrefix(secret, "sk-ant-"):
		return convert.FormatClaude
	case strings.HasPrefix(secret, "AIza"):
		return convert.FormatGemini
	case strings.HasPrefix(secret, "sk-"):
		return convert.FormatOpenAI
	default:
		return convert.FormatOpenAI
	}
}

// ExtractSecret pulls the client credential in precedence order:
// Authorization bearer, x-api-key, x-goog-api-key, then the key query
// parameter.
func ExtractSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if token := strings.TrimPrefix(auth, "Bearer "); token != "" {
			return token
		}
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

// Credential is the authenticated caller. For pass-through secrets only
// Secret is set; gateway-issued keys also carry the resolved ExclusiveKey
// and, when bound, its Channel.
type Credential struct {
	Secret       string
	ExclusiveKey *store.ExclusiveKey
	Channel      *store.Channel
}

// PassThrough reports whether the secret is relayed upstream unchanged.
func (c *Credential) PassThrough() bool {
	return c.ExclusiveKey == nil
}

type contextKey string

const credentialKey contextKey = "credential"

// WithCredential stores the authenticated credential in the context.
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// CredentialFrom retrieves the credential; nil when unauthenticated.
func CredentialFrom(ctx context.Context) *Credential {
	if cred, ok := ctx.Value(credentialKey).(*Credential); ok {
		return cred
	}
	return nil
}
