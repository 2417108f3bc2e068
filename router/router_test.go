package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docHandler "github.com/feriteja/naskah/internal/document"
	"github.com/feriteja/naskah/internal/document/repository/memory"
	"github.com/feriteja/naskah/internal/document/service"
	"github.com/feriteja/naskah/socket"
)

const secret = "router-secret"

func setup(t *testing.T) http.Handler {
	t.Helper()
	db, err := memory.New()
	require.NoError(t, err)
	hub := socket.NewHub()
	svc := service.NewDocumentService(db, db, hub, service.Options{})
	hub.Sessions = svc
	return Setup(docHandler.NewDocumentHandler(svc), hub, secret, "https://app.example.com")
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestDocumentRoutesRequireToken(t *testing.T) {
	handler := setup(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", bearer(t, "owner"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCreateThroughRouter(t *testing.T) {
	handler := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/create", strings.NewReader(`{"title":"Budget","kind":"spreadsheet"}`))
	req.Header.Set("Authorization", bearer(t, "owner"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "document_id")
}

func TestPublicAndMetricsNeedNoToken(t *testing.T) {
	handler := setup(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/public?token=unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "naskah_http_requests_total")
}
