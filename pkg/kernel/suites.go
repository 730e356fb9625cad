package kernel

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/services"
)

type startRunRequest struct {
	Concurrency int `json:"concurrency"`
	Limit       int `json:"limit"`
}

type suiteRunDetail struct {
	Run      domain.SuiteRun  `json:"run"`
	TestRuns []domain.TestRun `json:"test_runs"`
}

func (s *Server) handleImportTestCases(w http.ResponseWriter, r *http.Request) {
	suiteID, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var cases []domain.TestCase
	if err := decodeJSON(r, &cases); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for i := range cases {
		cases[i].SuiteID = suiteID
		if cases[i].ID == "" {
			cases[i].ID = suiteID + "-" + strconv.Itoa(i+1)
		}
	}

	n, err := services.ImportTestCases(r.Context(), s.store, cases)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.logger.Info("test cases imported", "suite_id", suiteID, "count", n)
	s.writeJSON(w, http.StatusCreated, map[string]any{"suite_id": suiteID, "imported": n})
}

func (s *Server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	suiteID, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	cases, err := s.store.ListTestCases(r.Context(), suiteID, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if cases == nil {
		cases = []domain.TestCase{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cases": cases, "count": len(cases)})
}

// handleStartSuiteRun answers as soon as the run row exists. Progress is
// observed on the stream keyed by the returned run id.
func (s *Server) handleStartSuiteRun(w http.ResponseWriter, r *http.Request) {
	suiteID, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	run, err := s.suites.Start(r.Context(), suiteID, services.RunOptions{
		Concurrency: req.Concurrency,
		Limit:       req.Limit,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoTestCases) && run.ID != "" {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   "no_test_cases",
				"message": err.Error(),
				"run":     run,
			})
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListSuiteRuns(w http.ResponseWriter, r *http.Request) {
	suiteID, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	runs, err := s.store.ListSuiteRuns(r.Context(), suiteID, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if runs == nil {
		runs = []domain.SuiteRunSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetSuiteRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	run, err := s.store.GetSuiteRun(r.Context(), domain.SuiteRunID(id))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	testRuns, err := s.store.ListTestRuns(r.Context(), run.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if testRuns == nil {
		testRuns = []domain.TestRun{}
	}
	s.writeJSON(w, http.StatusOK, suiteRunDetail{Run: run, TestRuns: testRuns})
}

func (s *Server) handleSuiteReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, http.StatusServiceUnavailable, "reports_disabled", "analytics archive is not configured")
		return
	}
	suiteID, err := pathParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	report, err := s.reports.SuiteAccuracy(r.Context(), suiteID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
