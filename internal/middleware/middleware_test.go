package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/EmpoweredVote/HZ-Backend/internal/middleware"
)

// call wraps a simple 200-OK inner handler in mw and records the response.
func call(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	return rec
}

func TestAdminKeyMiddleware_MissingKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := call(t, middleware.AdminKeyMiddleware("secret"), req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing admin key")
}

func TestAdminKeyMiddleware_WrongKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Key", "nope")
	rec := call(t, middleware.AdminKeyMiddleware("secret"), req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminKeyMiddleware_HeaderAndBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Key", "secret")
	assert.Equal(t, http.StatusOK, call(t, middleware.AdminKeyMiddleware("secret"), req).Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, call(t, middleware.AdminKeyMiddleware("secret"), req).Code)
}

func TestAdminKeyMiddleware_DisabledWithoutKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Key", "")
	rec := call(t, middleware.AdminKeyMiddleware(""), req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	allowed := map[string]struct{}{"https://hubzone.example": {}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://hubzone.example")
	rec := call(t, middleware.CORSMiddleware(allowed), req)
	assert.Equal(t, "https://hubzone.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = call(t, middleware.CORSMiddleware(allowed), req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	rec = call(t, middleware.CORSMiddleware(allowed), req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAllowedOrigins(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example ,https://b.example,")
	got := middleware.AllowedOrigins()
	assert.Len(t, got, 2)
	assert.Contains(t, got, "https://a.example")
}
