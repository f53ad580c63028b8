// Package gateway resolves session tokens to identities and guards the
// protected routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/models"
	"github.com/fruitsalade/fruitdrive/internal/protocol"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Verifier validates a session token.
type Verifier interface {
	Verify(token string) (*models.Identity, error)
}

// Gateway authorizes requests before they reach the hierarchy.
type Gateway struct {
	verifier Verifier
}

// New creates a gateway that trusts tokens accepted by verifier.
func New(verifier Verifier) *Gateway {
	return &Gateway{verifier: verifier}
}

// Authorize returns the identity carried by token, or
// models.ErrUnauthenticated.
func (g *Gateway) Authorize(token string) (*models.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", models.ErrUnauthenticated)
	}
	id, err := g.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrUnauthenticated, err)
	}
	return id, nil
}

// Middleware rejects requests without a valid token and stores the caller's
// identity in the request context.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.Authorize(ExtractToken(r))
		if err != nil {
			metrics.RecordAuthAttempt("token", false)
			logging.WithContext(r.Context()).Debug("request rejected", zap.Error(err))
			protocol.WriteError(w, http.StatusUnauthorized, unauthorizedMessage(err))
			return
		}
		metrics.RecordAuthAttempt("token", true)

		ctx := WithIdentity(r.Context(), id)
		ctx = logging.WithFields(ctx, zap.Int64("user_id", id.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, models.ErrInvalidToken) {
		return "invalid token"
	}
	return "missing authentication token"
}

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter used by download and preview links.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(ctx context.Context) (*models.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*models.Identity)
	return id, ok && id != nil
}
