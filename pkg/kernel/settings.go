package kernel

import (
	"net/http"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

// handleUpdateSettings applies a partial update: fields the body leaves out keep
// their current value, and masked secrets are kept by the store.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	update := s.settings.GetConfig()
	if err := decodeBody(r, update); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.settings.UpdateConfig(r.Context(), update); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}
