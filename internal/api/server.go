// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitdrive/internal/auth"
	"github.com/fruitsalade/fruitdrive/internal/blob"
	"github.com/fruitsalade/fruitdrive/internal/gateway"
	"github.com/fruitsalade/fruitdrive/internal/hierarchy"
	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/models"
	"github.com/fruitsalade/fruitdrive/internal/protocol"
)

// maxJSONBody caps request bodies of the JSON endpoints.
const maxJSONBody = 1 << 20

// DefaultMaxUploadSize is used when Deps.MaxUploadSize is zero.
const DefaultMaxUploadSize = 100 << 20

// Deps bundles the services the server dispatches to.
type Deps struct {
	Auth          *auth.Service
	Gateway       *gateway.Gateway
	Tree          *hierarchy.Service
	Blobs         *blob.Store
	MaxUploadSize int64

	// CORSOrigins lists the browser origins allowed to call the API. "*"
	// allows any origin; empty disables CORS headers.
	CORSOrigins []string

	// Health reports whether the metadata backend is reachable. Optional.
	Health func(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	auth          *auth.Service
	gateway       *gateway.Gateway
	tree          *hierarchy.Service
	blobs         *blob.Store
	maxUploadSize int64
	corsOrigins   []string
	health        func(ctx context.Context) error
}

// NewServer creates a new server.
func NewServer(deps Deps) *Server {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = DefaultMaxUploadSize
	}
	return &Server{
		auth:          deps.Auth,
		gateway:       deps.Gateway,
		tree:          deps.Tree,
		blobs:         deps.Blobs,
		maxUploadSize: deps.MaxUploadSize,
		corsOrigins:   deps.CORSOrigins,
		health:        deps.Health,
	}
}

// Handler returns the complete HTTP handler chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	handle(mux, "GET /health", s.handleHealth)
	handle(mux, "POST /api/auth/register", s.handleRegister)
	handle(mux, "POST /api/auth/login", s.handleLogin)

	// Protected endpoints
	protected := http.NewServeMux()
	handle(protected, "GET /api/data", s.handleData)

	handle(protected, "POST /api/folders", s.handleCreateFolder)
	handle(protected, "PUT /api/folders/{id}", s.handleRenameFolder)
	handle(protected, "PUT /api/folders/{id}/move", s.handleMoveFolder)
	handle(protected, "DELETE /api/folders/{id}", s.handleDeleteFolder)

	handle(protected, "POST /api/files", s.handleUpload)
	handle(protected, "GET /api/files/{id}/download", s.handleDownload)
	handle(protected, "GET /api/files/{id}/preview", s.handlePreview)
	handle(protected, "PUT /api/files/{id}", s.handleRenameFile)
	handle(protected, "PUT /api/files/{id}/star", s.handleToggleStar)
	handle(protected, "PUT /api/files/{id}/move", s.handleMoveFile)
	handle(protected, "DELETE /api/files/{id}", s.handleDeleteFile)

	mux.Handle("/api/", s.gateway.Middleware(protected))

	// Preflights are answered here, before the gateway asks for a token.
	var h http.Handler = mux
	if len(s.corsOrigins) > 0 {
		h = cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"Content-Disposition", "Content-Length", "X-Request-ID"},
			MaxAge:         300,
		})(h)
	}

	return middleware.RealIP(logging.Middleware(middleware.Recoverer(h)))
}

func handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, metrics.Instrument(pattern, h))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			logging.WithContext(r.Context()).Warn("health check failed", zap.Error(err))
			protocol.WriteJSON(w, http.StatusServiceUnavailable, protocol.HealthResponse{Status: "unavailable"})
			return
		}
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// caller returns the authenticated user id. The gateway middleware guarantees
// it is present on protected routes.
func caller(r *http.Request) int64 {
	id, ok := gateway.IdentityFrom(r.Context())
	if !ok {
		panic("api: protected handler reached without identity")
	}
	return id.UserID
}

// pathID parses the {id} wildcard. Ids that are not positive integers can not
// name any row, so they are reported as not found.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.ErrNotFound
	}
	return id, nil
}

// optionalID normalizes a client-supplied folder reference. Nil and zero
// mean root; negative values are malformed.
func optionalID(field string, id *int64) (*int64, error) {
	switch {
	case id == nil || *id == 0:
		return nil, nil
	case *id < 0:
		return nil, fmt.Errorf("%w: %s must be a folder id", models.ErrInvalidInput, field)
	}
	return id, nil
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return models.ErrInvalidInput
	}
	return nil
}

// sendError maps an error to its status code. Unknown errors are logged and
// answered with a generic message.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := classify(err)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	protocol.WriteError(w, code, message)
}

func classify(err error) (int, string) {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrInvalidName):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrMissingFile):
		return http.StatusBadRequest, models.ErrMissingFile.Error()
	case errors.Is(err, models.ErrInvalidMove):
		return http.StatusBadRequest, models.ErrInvalidMove.Error()
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized, models.ErrUnauthenticated.Error()
	case errors.Is(err, models.ErrInvalidCredentials):
		return http.StatusUnauthorized, models.ErrInvalidCredentials.Error()
	case errors.Is(err, models.ErrParentNotFound):
		return http.StatusNotFound, models.ErrParentNotFound.Error()
	case errors.Is(err, models.ErrFolderNotFound):
		return http.StatusNotFound, models.ErrFolderNotFound.Error()
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrBlobNotFound):
		return http.StatusNotFound, models.ErrNotFound.Error()
	case errors.Is(err, models.ErrDuplicateIdentity):
		return http.StatusConflict, models.ErrDuplicateIdentity.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
