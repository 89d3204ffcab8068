package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/middleware"
	"github.com/EmpoweredVote/EV-Districts/internal/utils"
)

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

// TestCORS_AllowedOrigin verifies the origin is echoed for listed origins.
func TestCORS_AllowedOrigin(t *testing.T) {
	h := middleware.CORS([]string{"https://districts.example"})(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	req.Header.Set("Origin", "https://districts.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://districts.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestCORS_UnknownOrigin verifies unknown origins get no allow header.
func TestCORS_UnknownOrigin(t *testing.T) {
	h := middleware.CORS([]string{"https://districts.example"})(http.HandlerFunc(ok))

	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestCORS_Preflight verifies OPTIONS short-circuits with 204.
func TestCORS_Preflight(t *testing.T) {
	called := false
	h := middleware.CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/plans", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestRequestID_PropagatesHeader verifies an incoming id reaches the context.
func TestRequestID_PropagatesHeader(t *testing.T) {
	var got string
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = utils.GetRequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", got)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

// TestRequestID_Mints verifies a missing id is generated.
func TestRequestID_Mints(t *testing.T) {
	h := middleware.RequestID(http.HandlerFunc(ok))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

// TestAccessLog_RecordsRoutePattern verifies one log line per request with
// the chi route pattern rather than the raw path.
func TestAccessLog_RecordsRoutePattern(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger.Set(zap.New(core))
	t.Cleanup(func() { logger.Set(zap.NewNop()) })

	r := chi.NewRouter()
	r.Use(middleware.AccessLog)
	r.Get("/plans/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans/42", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "/plans/{id}", fields["route"])
		assert.Equal(t, int64(404), fields["status"])
	}
}
