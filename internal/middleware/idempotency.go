package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/handler"
	"github.com/jonadableite/turbofy-gateway/internal/logging"
	"github.com/jonadableite/turbofy-gateway/internal/repository"
)

type replayStore interface {
	Find(ctx context.Context, scope repository.ReplayScope, now time.Time) (*repository.StoredResponse, error)
	Remember(ctx context.Context, resp *repository.StoredResponse) (bool, error)
}

const replayTTL = 24 * time.Hour

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the merchant and the matched route, so one key can be
// used for a settlement and a reconciliation. Reusing a key on the same
// route with a different request is a conflict. Server errors are not
// stored so the caller can retry them.
func Idempotency(store replayStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				handler.RespondAppError(w, handler.ErrMissingIdempotencyKey, nil)
				return
			}

			merchantID, ok := auth.MerchantIDFromContext(r.Context())
			if !ok {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			scope := repository.ReplayScope{MerchantID: merchantID, Route: routeOf(r), Key: key}
			log := logging.FromContext(r.Context()).With("idempotency_key", key, "route", scope.Route)

			body, err := io.ReadAll(r.Body)
			if err != nil {
				handler.RespondAppError(w, handler.ErrInvalidRequest, nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := fingerprintOf(r.Method, r.URL.Path, body)

			stored, err := store.Find(r.Context(), scope, time.Now().UTC())
			switch {
			case errors.Is(err, domain.ErrNotFound):
			case err != nil:
				log.Error("stored response lookup failed", "error", err)
				handler.RespondAppError(w, handler.ErrInternalError, nil)
				return
			default:
				if stored.Fingerprint != fingerprint {
					handler.RespondAppError(w, handler.ErrIdempotencyConflict, nil)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.StatusCode)
				if _, err := w.Write(stored.Body); err != nil {
					log.Error("failed to write idempotent replay", "error", err)
				}
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError {
				return
			}

			now := time.Now().UTC()
			kept, err := store.Remember(context.WithoutCancel(r.Context()), &repository.StoredResponse{
				ReplayScope: scope,
				Fingerprint: fingerprint,
				StatusCode:  rec.statusCode,
				Body:        rec.body.Bytes(),
				CreatedAt:   now,
				ExpiresAt:   now.Add(replayTTL),
			})
			if err != nil {
				log.Error("storing response failed", "error", err)
				return
			}
			if !kept {
				log.Warn("concurrent request with the same idempotency key stored first")
			}
		})
	}
}

// routeOf is the mux pattern that matched r, or its method and path when r
// was not routed through a ServeMux.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Method + " " + r.URL.Path
}

func fingerprintOf(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
