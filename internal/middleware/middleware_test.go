package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/domain"
	"github.com/jonadableite/turbofy-gateway/internal/handler"
	"github.com/jonadableite/turbofy-gateway/internal/repository"
)

const testSecret = "test-jwt-secret"

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handler.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestAuth(t *testing.T) {
	valid, err := auth.GenerateToken("merchant-1", nil, testSecret, time.Hour)
	require.NoError(t, err)
	foreign, err := auth.GenerateToken("merchant-1", nil, "other-secret", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{name: "valid token", header: "Bearer " + valid, wantStatus: http.StatusOK},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized, wantCode: "MISSING_TOKEN"},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantCode: "INVALID_TOKEN"},
		{name: "wrong secret", header: "Bearer " + foreign, wantStatus: http.StatusUnauthorized, wantCode: "INVALID_TOKEN"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotMerchant string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMerchant, _ = auth.MerchantIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/v1/charges", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			Auth(testSecret)(next).ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, errorCode(t, rr))
				assert.Empty(t, gotMerchant)
				return
			}
			assert.Equal(t, "merchant-1", gotMerchant)
		})
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name       string
		claims     *auth.Claims
		wantStatus int
		wantCode   string
	}{
		{name: "unscoped token", claims: &auth.Claims{MerchantID: "merchant-1"}, wantStatus: http.StatusOK},
		{
			name:       "scope granted",
			claims:     &auth.Claims{MerchantID: "merchant-1", Scopes: []string{auth.ScopeSettlementsWrite}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "scope missing",
			claims:     &auth.Claims{MerchantID: "merchant-1", Scopes: []string{auth.ScopeChargesWrite}},
			wantStatus: http.StatusForbidden,
			wantCode:   "INSUFFICIENT_SCOPE",
		},
		{name: "no claims", wantStatus: http.StatusUnauthorized, wantCode: "MISSING_TOKEN"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", nil)
			if tc.claims != nil {
				req = req.WithContext(auth.ContextWithClaims(req.Context(), tc.claims))
			}
			rr := httptest.NewRecorder()
			RequireScope(auth.ScopeSettlementsWrite)(next).ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, errorCode(t, rr))
			}
		})
	}
}

type memReplayStore struct {
	mu      sync.Mutex
	entries map[repository.ReplayScope]*repository.StoredResponse
	findErr error
}

func newMemReplayStore() *memReplayStore {
	return &memReplayStore{entries: map[repository.ReplayScope]*repository.StoredResponse{}}
}

func (m *memReplayStore) Find(_ context.Context, scope repository.ReplayScope, now time.Time) (*repository.StoredResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	resp, ok := m.entries[scope]
	if !ok || !resp.ExpiresAt.After(now) {
		return nil, domain.ErrNotFound
	}
	return resp, nil
}

func (m *memReplayStore) Remember(_ context.Context, resp *repository.StoredResponse) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[resp.ReplayScope]; ok {
		return false, nil
	}
	m.entries[resp.ReplayScope] = resp
	return true, nil
}

type countingHandler struct {
	calls  int
	status int
}

func (c *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls++
	body, _ := io.ReadAll(r.Body)
	handler.RespondSuccess(w, c.status, map[string]string{"echo": string(body)})
}

func idempotentRequest(merchant, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if merchant != "" {
		req = req.WithContext(auth.ContextWithMerchantID(req.Context(), merchant))
	}
	return req
}

func TestIdempotency_ReplaysSameRequest(t *testing.T) {
	repo := newMemReplayStore()
	next := &countingHandler{status: http.StatusCreated}
	h := Idempotency(repo)(next)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, idempotentRequest("merchant-1", "key-1", `{"amount_cents":100}`))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, idempotentRequest("merchant-1", "key-1", `{"amount_cents":100}`))

	assert.Equal(t, 1, next.calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestIdempotency_KeysAreScopedPerMerchant(t *testing.T) {
	repo := newMemReplayStore()
	next := &countingHandler{status: http.StatusCreated}
	h := Idempotency(repo)(next)

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("merchant-1", "key-1", `{}`))
	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("merchant-2", "key-1", `{}`))

	assert.Equal(t, 2, next.calls)
}

func TestIdempotency_KeysAreScopedPerRoute(t *testing.T) {
	repo := newMemReplayStore()
	next := &countingHandler{status: http.StatusCreated}
	mux := http.NewServeMux()
	h := Idempotency(repo)(next)
	mux.Handle("POST /api/v1/settlements", h)
	mux.Handle("POST /api/v1/reconciliations", h)

	settle := idempotentRequest("merchant-1", "key-1", `{}`)
	recon := httptest.NewRequest(http.MethodPost, "/api/v1/reconciliations", strings.NewReader(`{}`))
	recon.Header.Set("Idempotency-Key", "key-1")
	recon = recon.WithContext(auth.ContextWithMerchantID(recon.Context(), "merchant-1"))

	first := httptest.NewRecorder()
	mux.ServeHTTP(first, settle)
	second := httptest.NewRecorder()
	mux.ServeHTTP(second, recon)

	assert.Equal(t, 2, next.calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get("Idempotent-Replayed"))
	assert.Len(t, repo.entries, 2)
	for scope := range repo.entries {
		assert.Contains(t, []string{"POST /api/v1/settlements", "POST /api/v1/reconciliations"}, scope.Route)
	}
}

func TestIdempotency_SameRouteDifferentResourceConflicts(t *testing.T) {
	repo := newMemReplayStore()
	next := &countingHandler{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/settlements/{id}/process", Idempotency(repo)(next))

	send := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/"+id+"/process", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "key-1")
		req = req.WithContext(auth.ContextWithMerchantID(req.Context(), "merchant-1"))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send("a").Code)
	rr := send("b")

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", errorCode(t, rr))
	assert.Equal(t, 1, next.calls)
}

func TestIdempotency_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		prime      bool
		req        *http.Request
		findErr    error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing key",
			req:        idempotentRequest("merchant-1", "", `{}`),
			wantStatus: http.StatusBadRequest,
			wantCode:   "MISSING_IDEMPOTENCY_KEY",
		},
		{
			name:       "no merchant",
			req:        idempotentRequest("", "key-1", `{}`),
			wantStatus: http.StatusUnauthorized,
			wantCode:   "MISSING_TOKEN",
		},
		{
			name:       "key reused with different body",
			prime:      true,
			req:        idempotentRequest("merchant-1", "key-1", `{"amount_cents":999}`),
			wantStatus: http.StatusConflict,
			wantCode:   "IDEMPOTENCY_CONFLICT",
		},
		{
			name:       "cache unavailable",
			req:        idempotentRequest("merchant-1", "key-1", `{}`),
			findErr:    errors.New("db down"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemReplayStore()
			next := &countingHandler{status: http.StatusCreated}
			h := Idempotency(repo)(next)
			if tc.prime {
				h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("merchant-1", "key-1", `{"amount_cents":100}`))
			}
			repo.findErr = tc.findErr
			calls := next.calls

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, tc.req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantCode, errorCode(t, rr))
			assert.Equal(t, calls, next.calls)
		})
	}
}

func TestIdempotency_ServerErrorsAreNotStored(t *testing.T) {
	repo := newMemReplayStore()
	next := &countingHandler{status: http.StatusBadGateway}
	h := Idempotency(repo)(next)

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("merchant-1", "key-1", `{}`))
	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("merchant-1", "key-1", `{}`))

	assert.Equal(t, 2, next.calls)
	assert.Empty(t, repo.entries)
}

func TestIdempotency_GetPassesThrough(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	h := Idempotency(newMemReplayStore())(next)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/x", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, next.calls)
}

func TestTracingAndLogging(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	h := Chain(next, Tracing, Logging(base))

	t.Run("propagates caller id", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/charges", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "req-123", line["request_id"])
		assert.Equal(t, float64(http.StatusTeapot), line["status"])
	})

	t.Run("mints id when absent", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/charges", nil))

		assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
		assert.Equal(t, rr.Header().Get("X-Request-ID"), seen)
	})

	t.Run("health checks are not logged", func(t *testing.T) {
		buf.Reset()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Zero(t, buf.Len())
	})
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/charges", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rr))
}

func TestRecovery_ReraisesAbort(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/charges", nil))
	})
}
