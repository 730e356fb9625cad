package kernel

import (
	"net/http"
	"strings"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

type submitJobRequest struct {
	SubjectRef string `json:"subject_ref"`
	Payload    string `json:"payload"`
	Priority   int    `json:"priority"`
}

type jobList struct {
	Jobs  []domain.Job `json:"jobs"`
	Count int          `json:"count"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	id, err := s.queue.Enqueue(r.Context(), req.SubjectRef, req.Payload, req.Priority)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status, err := queryString(r, "status")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	subject, err := queryString(r, "subject_ref")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	jobs, err := s.queue.List(r.Context(), domain.JobFilter{
		Status:     domain.JobStatus(status),
		SubjectRef: strings.TrimSpace(subject),
		Limit:      limit,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobList{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	job, err := s.queue.Get(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	subject, err := pathParam(r, "subject_ref")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	t, err := s.store.GetTranscript(r.Context(), subject)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}
