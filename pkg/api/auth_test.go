package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/aegis/pkg/audit"
)

func TestOperatorAuth_RoundTrip(t *testing.T) {
	auth := NewOperatorAuth("test-secret")

	token, err := auth.IssueToken("alice", time.Hour)
	require.NoError(t, err)

	operator, err := auth.verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", operator)
}

func TestOperatorAuth_RejectsExpiredToken(t *testing.T) {
	auth := NewOperatorAuth("test-secret")

	token, err := auth.IssueToken("alice", -time.Minute)
	require.NoError(t, err)

	_, err = auth.verify(token)
	assert.Error(t, err)
}

func TestOperatorAuth_RejectsWrongSecret(t *testing.T) {
	token, err := NewOperatorAuth("secret-a").IssueToken("alice", time.Hour)
	require.NoError(t, err)

	_, err = NewOperatorAuth("secret-b").verify(token)
	assert.Error(t, err)
}

func TestOperatorAuth_MiddlewareBindsActor(t *testing.T) {
	auth := NewOperatorAuth("test-secret")

	var actor string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = audit.ActorFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token, err := auth.IssueToken("bob", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/artifacts/upload", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", actor)
}

func TestOperatorAuth_MiddlewareRejectsMissingToken(t *testing.T) {
	auth := NewOperatorAuth("test-secret")
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/artifacts/upload", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/artifacts/upload", nil)
	r.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOperatorAuth_DevModePassesThrough(t *testing.T) {
	auth := NewOperatorAuth("")

	var actor string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = audit.ActorFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/artifacts/upload", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "system", actor)
}
