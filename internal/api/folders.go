package api

import (
	"net/http"

	"github.com/fruitsalade/fruitdrive/internal/protocol"
)

// handleData handles GET /api/data
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	folders, files, err := s.tree.ListAll(r.Context(), caller(r))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.DataResponse{Folders: folders, Files: files})
}

// handleCreateFolder handles POST /api/folders
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateFolderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	parentID, err := optionalID("parentId", req.ParentID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	folder, err := s.tree.CreateFolder(r.Context(), caller(r), req.Name, parentID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, folder)
}

// handleRenameFolder handles PUT /api/folders/{id}
func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
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

	folder, err := s.tree.RenameFolder(r.Context(), caller(r), id, req.Name)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, folder)
}

// handleMoveFolder handles PUT /api/folders/{id}/move
func (s *Server) handleMoveFolder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req protocol.MoveFolderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	parentID, err := optionalID("parentId", req.ParentID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	folder, err := s.tree.MoveFolder(r.Context(), caller(r), id, parentID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, folder)
}

// handleDeleteFolder handles DELETE /api/folders/{id}
func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.tree.DeleteFolder(r.Context(), caller(r), id); err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}
