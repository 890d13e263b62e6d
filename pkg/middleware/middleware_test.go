package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexeiFed/waxhands-sub007/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func validClaims(role string) tokenClaims {
	return tokenClaims{
		UserID: "parent-1",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

// --- JWT validator ---

func TestJWTValidator(t *testing.T) {
	validate := NewJWTValidator(testSecret)

	claims, err := validate(signToken(t, validClaims(RoleParent)))
	require.NoError(t, err)
	assert.Equal(t, "parent-1", claims.UserID)
	assert.Equal(t, RoleParent, claims.Role)
}

func TestJWTValidator_Rejects(t *testing.T) {
	validate := NewJWTValidator(testSecret)

	expired := validClaims(RoleParent)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := validClaims(RoleParent)
	noExpiry.ExpiresAt = nil

	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(RoleAdmin)).SignedString([]byte("other"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":   signToken(t, expired),
		"no expiry": signToken(t, noExpiry),
		"wrong key": otherKey,
		"garbage":   "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := validate(token)
			assert.Error(t, err)
		})
	}
}

// --- Auth / RequireRole ---

func TestAuth_RequiresBearer(t *testing.T) {
	h := Auth(NewJWTValidator(testSecret))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestAuth_RequireRole(t *testing.T) {
	var seenUser string
	h := Auth(NewJWTValidator(testSecret))(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = UserIDFromContext(r.Context())
		assert.True(t, IsAdmin(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims(RoleParent)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims(RoleAdmin)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "parent-1", seenUser)
}

// --- Logging ---

func TestRequestLogging_OmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))

	var scoped *slog.Logger
	h := RequestLogging(l)(RequestLogger(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = logger.FromContext(r.Context())
		assert.NotEmpty(t, logger.CorrelationIDFromContext(r.Context()))
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/robokassa/result?OutSum=750.00&SignatureValue=DEADBEEF", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	assert.NotNil(t, scoped)
	assert.Contains(t, buf.String(), "/api/v1/robokassa/result")
	assert.False(t, strings.Contains(buf.String(), "DEADBEEF"))
}

func TestRequestLogging_KeepsIncomingCorrelationID(t *testing.T) {
	l := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	h := RequestLogging(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Correlation-ID", "corr-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-9", rec.Header().Get("X-Correlation-ID"))
}

// --- Recovery / metrics ---

func TestRecovery(t *testing.T) {
	l := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	h := Recovery(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func TestPrometheusMetrics_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics("billing-test"))
	r.Get("/api/v1/invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices/abc", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
