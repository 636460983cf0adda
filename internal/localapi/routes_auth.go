package localapi

import (
	"net/http"

	"taskman/internal/auth"
)

func (s *Server) registerAuthRoutes() {
	s.mux.Handle(s.base+"/auth/token", s.deps.Gate.RequireFederated(http.HandlerFunc(s.handleGetToken)))
	s.mux.Handle(s.base+"/auth/token/regenerate", s.deps.Gate.RequireFederated(http.HandlerFunc(s.handleRegenerateToken)))
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	c, err := s.deps.Gate.Token()
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	c, err := s.deps.Gate.Regenerate(id)
	if err != nil {
		s.respondTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
