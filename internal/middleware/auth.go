package middleware

import (
	"net/http"
	"strings"

	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/handler"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
)

// Auth resolves the bearer token to a merchant and scopes the request
// context, including its logger, to that merchant.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			claims, err := auth.ValidateToken(token, secret)
			if err != nil {
				logging.FromContext(r.Context()).Debug("token rejected", "error", err)
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			ctx := auth.ContextWithClaims(r.Context(), claims)
			ctx = logging.With(ctx, "merchant_id", claims.MerchantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope must run after Auth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}
			if !claims.Allows(scope) {
				logging.FromContext(r.Context()).Warn("scope denied", "scope", scope, "granted", claims.Scopes)
				handler.RespondAppError(w, handler.ErrInsufficientScope, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
