package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	log "github.com/sirupsen/logrus"
)

type ctxKey struct{}

// GenerateRequestID returns a short hex ID for log correlation.
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRequestID stores the request ID on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the ID stored on the context, or "" when absent.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ForRequest returns a logger tagged with the context's request ID, so every
// line for one request can be grepped together.
func ForRequest(ctx context.Context) *log.Entry {
	if id := RequestID(ctx); id != "" {
		return log.WithField("request_id", id)
	}
	return log.NewEntry(log.StandardLogger())
}
