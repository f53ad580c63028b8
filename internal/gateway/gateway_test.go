package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fruitdrive/internal/models"
	"github.com/fruitsalade/fruitdrive/internal/protocol"
)

type stubVerifier map[string]*models.Identity

func (s stubVerifier) Verify(token string) (*models.Identity, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return nil, models.ErrInvalidToken
}

func newGateway() *Gateway {
	return New(stubVerifier{"good": {UserID: 3, Email: "c@x.io"}})
}

func TestAuthorize(t *testing.T) {
	g := newGateway()

	id, err := g.Authorize("good")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id.UserID)

	for _, token := range []string{"", "bad"} {
		_, err := g.Authorize(token)
		assert.True(t, errors.Is(err, models.ErrUnauthenticated), "token %q: got %v", token, err)
	}
}

func TestMiddleware(t *testing.T) {
	g := newGateway()
	var seen *models.Identity
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer good") }, http.StatusNoContent},
		{"query fallback", func(r *http.Request) { r.URL.RawQuery = "token=good" }, http.StatusNoContent},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"invalid", func(r *http.Request) { r.Header.Set("Authorization", "Bearer bad") }, http.StatusUnauthorized},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic good") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Nil(t, seen, "handler must not run")
				var body protocol.ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, http.StatusUnauthorized, body.Code)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, int64(3), seen.UserID)
		})
	}
}

func TestIdentityFromEmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := IdentityFrom(req.Context())
	assert.False(t, ok)
}
