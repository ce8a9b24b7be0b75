// Package middleware holds the chi middlewares in front of the dispatch
// path: request IDs and credential resolution.
package middleware

import (
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/anygate/internal/apierr"
	"github.com/pysugar/anygate/internal/logging"
	"github.com/pysugar/anygate/internal/proxy"
	"github.com/pysugar/anygate/internal/store"
)

// RequestID tags every request with a short hex ID for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), logging.GenerateRequestID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate extracts the caller's credential and resolves gateway-issued
// keys (gapi- prefix) against the database. Other secrets pass through as
// upstream keys unchanged. Failures answer in the client's own wire format.
func Authenticate(s *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			format := proxy.DetectFormat(r)
			secret := proxy.ExtractSecret(r)
			if secret == "" {
				apierr.Write(w, apierr.Unauthorized("missing API key"), format)
				return
			}

			cred := &proxy.Credential{Secret: secret}
			if strings.HasPrefix(secret, "gapi-") {
				var key store.ExclusiveKey
				err := s.DB.Where("key = ? AND is_active = ?", secret, true).First(&key).Error
				if err != nil {
					log.Warnf("exclusive key rejected: %v", err)
					apierr.Write(w, apierr.Unauthorized("invalid API key"), format)
					return
				}
				cred.ExclusiveKey = &key
				if key.ChannelID != nil {
					var channel store.Channel
					if err := s.DB.First(&channel, *key.ChannelID).Error; err != nil {
						apierr.Write(w, apierr.Internal("channel lookup failed"), format)
						return
					}
					cred.Channel = &channel
				}
			}

			ctx := proxy.WithCredential(r.Context(), cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
