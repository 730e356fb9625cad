package kernel

import "net/http"

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		s.writeError(w, http.StatusServiceUnavailable, "settings_disabled", "settings store is not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

// handleUpdateSettings replaces the runtime config. Omitted sections keep
// their current values; a masked api key keeps the stored one.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.writeError(w, http.StatusServiceUnavailable, "settings_disabled", "settings store is not configured")
		return
	}

	update := s.settings.GetMaskedConfig()
	if err := decodeJSON(r, update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.settings.UpdateConfig(r.Context(), update); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	cfg := s.settings.GetMaskedConfig()
	s.logger.Info("settings changed via api", "transcriber_mode", cfg.Transcriber.Mode)
	s.writeJSON(w, http.StatusOK, cfg)
}
