// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/davidgeorgehope/vibecaster/internal/log"
)

type ctxOwnerKey struct{}

// ownerFromToken derives a stable owner id from a bearer token. The
// raw token never reaches logs or storage, only its digest prefix.
func ownerFromToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// authMiddleware requires a bearer token on every request and puts the
// derived owner id into the request context. Fail-closed: no token, no
// access.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			logger := log.FromContext(r.Context())
			logger.Warn().
				Str("event", "auth.missing_token").
				Str("path", r.URL.Path).
				Msg("authorization header missing")
			writeUnauthorized(w)
			return
		}

		owner := ownerFromToken(strings.TrimSpace(token))
		ctx := context.WithValue(r.Context(), ctxOwnerKey{}, owner)
		ctx = log.ContextWithOwnerID(ctx, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ownerFrom returns the authenticated owner id stored by authMiddleware.
func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ctxOwnerKey{}).(string)
	return owner
}
