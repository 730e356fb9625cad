package kernel

import (
	"io"
	"net/http"
	"strings"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

const defaultIntakeSource = "http"

type intakeResponse struct {
	Status       string               `json:"status"` // queued | quarantined
	JobID        *domain.JobID        `json:"job_id,omitempty"`
	QuarantineID *domain.QuarantineID `json:"quarantine_id,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

type replayRequest struct {
	Payload string `json:"payload"`
}

type quarantineList struct {
	Items []domain.QuarantineItem `json:"items"`
	Count int                     `json:"count"`
}

// handleIntake accepts a raw recording notification. Malformed bodies are
// quarantined and still answered with 202 so the sender does not retry.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	source := strings.TrimSpace(r.Header.Get("X-Callpipe-Source"))
	if source == "" {
		source = defaultIntakeSource
	}

	res, err := s.intake.Accept(r.Context(), source, raw)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if res.Quarantine != nil {
		s.writeJSON(w, http.StatusAccepted, intakeResponse{
			Status:       "quarantined",
			QuarantineID: &res.Quarantine.ID,
			Reason:       res.Quarantine.Reason,
		})
		return
	}
	s.writeJSON(w, http.StatusAccepted, intakeResponse{Status: "queued", JobID: res.JobID})
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	status, err := queryString(r, "status")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	items, err := s.intake.List(r.Context(), domain.QuarantineStatus(status), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.QuarantineItem{}
	}
	s.writeJSON(w, http.StatusOK, quarantineList{Items: items, Count: len(items)})
}

func (s *Server) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	item, err := s.intake.Get(r.Context(), domain.QuarantineID(id))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleReplayQuarantine(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	jobID, err := s.intake.Replay(r.Context(), domain.QuarantineID(id), []byte(req.Payload))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, intakeResponse{Status: "queued", JobID: &jobID})
}

func (s *Server) handleDiscardQuarantine(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.intake.Discard(r.Context(), domain.QuarantineID(id)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
