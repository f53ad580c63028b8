package models

import "errors"

// Sentinel errors. Stores wrap them with context; the API matches them with
// errors.Is. Anything else is treated as a storage failure.
var (
	ErrUnauthenticated    = errors.New("authentication required")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidName        = errors.New("invalid name")
	ErrMissingFile        = errors.New("missing file")
	ErrNotFound           = errors.New("not found")
	ErrParentNotFound     = errors.New("parent folder not found")
	ErrFolderNotFound     = errors.New("folder not found")
	ErrInvalidMove        = errors.New("folder cannot be moved into itself or a descendant")
	ErrDuplicateIdentity  = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBlobNotFound       = errors.New("blob not found")
)
