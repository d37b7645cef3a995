package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store"
)

type runSummaryResponse struct {
	ID               string `json:"id"`
	Query            string `json:"query"`
	Status           string `json:"status"`
	CompletionReason string `json:"completion_reason,omitempty"`
	Loops            int    `json:"loops"`
	EvidenceCount    int64  `json:"evidence_count"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type listRunsResponse struct {
	Runs []runSummaryResponse `json:"runs"`
}

type evidenceResponse struct {
	Position int    `json:"position"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet"`
}

type runStepResponse struct {
	Index       int    `json:"index"`
	Loop        int    `json:"loop"`
	Verb        string `json:"verb"`
	Arg         string `json:"arg,omitempty"`
	Status      string `json:"status"`
	Observation string `json:"observation,omitempty"`
	Seq         int64  `json:"seq"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type runDetailResponse struct {
	ID               string             `json:"id"`
	Query            string             `json:"query"`
	Status           string             `json:"status"`
	Answer           string             `json:"answer,omitempty"`
	CompletionReason string             `json:"completion_reason,omitempty"`
	Loops            int                `json:"loops"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
	Evidence         []evidenceResponse `json:"evidence"`
	Steps            []runStepResponse  `json:"steps"`
}

type listRunStepsResponse struct {
	Steps []runStepResponse `json:"steps"`
}

type listEvidenceResponse struct {
	Evidence []evidenceResponse `json:"evidence"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listRunsResponse{Runs: make([]runSummaryResponse, 0, len(runs))}
	for _, run := range runs {
		response.Runs = append(response.Runs, runSummaryResponse{
			ID:               run.ID,
			Query:            run.Query,
			Status:           run.Status,
			CompletionReason: run.CompletionReason,
			Loops:            run.Loops,
			EvidenceCount:    run.EvidenceCount,
			CreatedAt:        run.CreatedAt,
			UpdatedAt:        run.UpdatedAt,
		})
	}
	writeJSONStatus(w, response, http.StatusOK)
}

// lookupRun writes the error response itself when the run cannot be served.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request, runID string) (*store.Run, bool) {
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return nil, false
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return nil, false
	}
	return run, true
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	evidence, err := s.store.ListEvidence(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	steps, err := s.store.ListRunSteps(r.Context(), run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, runDetailResponse{
		ID:               run.ID,
		Query:            run.Query,
		Status:           run.Status,
		Answer:           run.Answer,
		CompletionReason: run.CompletionReason,
		Loops:            run.Loops,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
		Evidence:         toEvidenceResponses(evidence),
		Steps:            toStepResponses(steps),
	}, http.StatusOK)
}

func (s *Server) listRunSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	steps, err := s.store.ListRunSteps(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, listRunStepsResponse{Steps: toStepResponses(steps)}, http.StatusOK)
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	evidence, err := s.store.ListEvidence(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, listEvidenceResponse{Evidence: toEvidenceResponses(evidence)}, http.StatusOK)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	if s.workflows != nil {
		if err := s.workflows.CancelRun(r.Context(), runID); err != nil {
			s.logger.Debug("cancel before delete", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toEvidenceResponses(evidence []store.Evidence) []evidenceResponse {
	out := make([]evidenceResponse, 0, len(evidence))
	for _, ev := range evidence {
		out = append(out, evidenceResponse{Position: ev.Position, URL: ev.URL, Snippet: ev.Snippet})
	}
	return out
}

func toStepResponses(steps []store.RunStep) []runStepResponse {
	out := make([]runStepResponse, 0, len(steps))
	for _, step := range steps {
		out = append(out, runStepResponse{
			Index:       step.Index,
			Loop:        step.Loop,
			Verb:        step.Verb,
			Arg:         step.Arg,
			Status:      step.Status,
			Observation: step.Observation,
			Seq:         step.Seq,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
		})
	}
	return out
}
