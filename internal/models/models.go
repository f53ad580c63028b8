// Package models defines the user, folder and file records shared by the
// metadata stores, the hierarchy service and the HTTP API.
package models

import "time"

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the authenticated caller resolved from a session token.
type Identity struct {
	UserID int64
	Email  string
}

// Folder is a node of a user's folder tree. A nil ParentID places the
// folder at the root level.
type Folder struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"user_id"`
	Name      string    `json:"name"`
	ParentID  *int64    `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// File is the metadata record of an uploaded file. BlobRef is the opaque
// blob store handle and is not serialized to clients.
type File struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"user_id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	BlobRef   string    `json:"-"`
	FolderID  *int64    `json:"folder_id"`
	Starred   bool      `json:"starred"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentType returns the stored mime type, or a generic binary type when
// none was recorded at upload time.
func (f *File) ContentType() string {
	if f.MimeType == "" {
		return "application/octet-stream"
	}
	return f.MimeType
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
