package api

import (
	"net/http"

	"github.com/fruitsalade/fruitdrive/internal/protocol"
)

// handleRegister handles POST /api/auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	user, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	token, expiresAt, err := s.auth.IssueToken(user)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	protocol.WriteJSON(w, http.StatusOK, protocol.SessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

// handleLogin handles POST /api/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	session, err := s.auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	protocol.WriteJSON(w, http.StatusOK, protocol.SessionResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		User:      session.User,
	})
}
