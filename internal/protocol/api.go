// Package protocol defines the API request/response types.
package protocol

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fruitsalade/fruitdrive/internal/models"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// CredentialsRequest is the body of POST /api/auth/register and /api/auth/login.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned by register and login.
type SessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// DataResponse is returned by GET /api/data.
type DataResponse struct {
	Folders []models.Folder `json:"folders"`
	Files   []models.File   `json:"files"`
}

// CreateFolderRequest is the body of POST /api/folders.
type CreateFolderRequest struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parentId"`
}

// RenameRequest is the body of PUT /api/folders/{id} and PUT /api/files/{id}.
type RenameRequest struct {
	Name string `json:"name"`
}

// MoveFolderRequest is the body of PUT /api/folders/{id}/move. A null or
// missing parentId moves the folder to the root.
type MoveFolderRequest struct {
	ParentID *int64 `json:"parentId"`
}

// MoveFileRequest is the body of PUT /api/files/{id}/move.
type MoveFileRequest struct {
	FolderID *int64 `json:"folderId"`
}

// SuccessResponse acknowledges a delete.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, ErrorResponse{Error: message, Code: code})
}
