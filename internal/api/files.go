package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitdrive/internal/hierarchy"
	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/models"
	"github.com/fruitsalade/fruitdrive/internal/protocol"
)

// Parts larger than this are spooled to temporary files while parsing.
const multipartMemory = 32 << 20

// handleUpload handles POST /api/files (multipart: file, folderId)
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := caller(r)

	if r.ContentLength > s.maxUploadSize {
		metrics.RecordContentUpload(0, false)
		s.sendError(w, r, &http.MaxBytesError{Limit: s.maxUploadSize})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		metrics.RecordContentUpload(0, false)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.sendError(w, r, err)
			return
		}
		s.sendError(w, r, fmt.Errorf("%w: %v", models.ErrMissingFile, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		metrics.RecordContentUpload(0, false)
		s.sendError(w, r, models.ErrMissingFile)
		return
	}
	defer file.Close()

	folderID, err := parseFormID(r.FormValue("folderId"))
	if err != nil {
		metrics.RecordContentUpload(0, false)
		s.sendError(w, r, err)
		return
	}

	name, err := hierarchy.CleanName(header.Filename)
	if err != nil {
		metrics.RecordContentUpload(0, false)
		s.sendError(w, r, err)
		return
	}

	ref, err := s.blobs.Put(ctx, file, header.Size)
	if err != nil {
		metrics.RecordContentUpload(0, false)
		s.sendError(w, r, err)
		return
	}

	record, err := s.tree.CreateFile(ctx, owner, hierarchy.FileSpec{
		Name:     name,
		MimeType: detectMimeType(header.Header.Get("Content-Type"), name),
		Size:     header.Size,
		BlobRef:  ref,
		FolderID: folderID,
	})
	if err != nil {
		// The bytes have no record pointing at them. The client may already
		// be gone, so the cleanup does not follow request cancellation.
		s.blobs.Delete(context.WithoutCancel(ctx), ref)
		metrics.RecordContentUpload(0, false)
		s.sendError(w, r, err)
		return
	}

	metrics.RecordContentUpload(record.Size, true)
	logging.WithContext(ctx).Info("file uploaded",
		zap.Int64("file_id", record.ID),
		zap.Int64("size", record.Size))
	protocol.WriteJSON(w, http.StatusOK, record)
}

// handleDownload handles GET /api/files/{id}/download
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, "attachment")
}

// handlePreview handles GET /api/files/{id}/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, "inline")
}

func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, disposition string) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	f, err := s.tree.GetFileForRead(ctx, caller(r), id)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	rc, size, err := s.blobs.Get(ctx, f.BlobRef)
	if err != nil {
		if errors.Is(err, models.ErrBlobNotFound) {
			logging.WithContext(ctx).Warn("file record without blob", zap.Int64("file_id", f.ID))
		}
		metrics.RecordContentDownload(0, false)
		s.sendError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", contentDisposition(disposition, f.Name))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	metrics.RecordContentDownload(n, err == nil)
	if err != nil {
		logging.WithContext(ctx).Warn("content stream interrupted",
			zap.Int64("file_id", f.ID),
			zap.Int64("written", n),
			zap.Error(err))
	}
}

// handleRenameFile handles PUT /api/files/{id}
func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req protocol.RenameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	f, err := s.tree.RenameFile(r.Context(), caller(r), id, req.Name)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, f)
}

// handleToggleStar handles PUT /api/files/{id}/star
func (s *Server) handleToggleStar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	f, err := s.tree.ToggleStar(r.Context(), caller(r), id)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, f)
}

// handleMoveFile handles PUT /api/files/{id}/move
func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req protocol.MoveFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	folderID, err := optionalID("folderId", req.FolderID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	f, err := s.tree.MoveFile(r.Context(), caller(r), id, folderID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, f)
}

// handleDeleteFile handles DELETE /api/files/{id}
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if _, err := s.tree.DeleteFile(r.Context(), caller(r), id); err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

// parseFormID parses the optional folderId form field. Empty, "null" and
// "0" mean the root level. The JSON endpoints apply the same rules through
// optionalID.
func parseFormID(v string) (*int64, error) {
	switch v {
	case "", "null":
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: folderId must be a folder id", models.ErrInvalidInput)
	}
	return optionalID("folderId", &id)
}

// detectMimeType prefers a specific type sent with the part and falls back
// to the file extension.
func detectMimeType(partType, name string) string {
	if partType != "" {
		mt, params, err := mime.ParseMediaType(partType)
		if err == nil && mt != "application/octet-stream" {
			return mime.FormatMediaType(mt, params)
		}
	}
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func contentDisposition(disposition, name string) string {
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": name}); v != "" {
		return v
	}
	return disposition
}
