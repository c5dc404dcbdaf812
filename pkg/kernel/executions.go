package kernel

import (
	"context"
	"net/http"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
	"github.com/manthysbr/scoutOS/internal/core/services"
)

type startExecutionRequest struct {
	BatchID          string `json:"batch_id"`
	Instructions     string `json:"instructions"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
	ExecutionType    string `json:"execution_type"`
	SampleSize       int    `json:"sample_size"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.orch.Start(r.Context(), services.StartRequest{
		BatchID:          domain.BatchID(req.BatchID),
		Instructions:     req.Instructions,
		ConcurrencyLimit: req.ConcurrencyLimit,
		ExecutionType:    domain.ExecutionType(req.ExecutionType),
		SampleSize:       req.SampleSize,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/executions/"+string(exec.ID))
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.orch.Snapshot(r.Context(), domain.ExecutionID(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.orch.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.orch.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.orch.Stop(r.Context(), domain.ExecutionID(id), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleAdjustConcurrency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.orch.AdjustConcurrency(r.Context(), domain.ExecutionID(id), body.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, fn func(context.Context, domain.ExecutionID) (domain.Execution, error)) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := fn(r.Context(), domain.ExecutionID(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params, err := bindListJobsParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.orch.Snapshot(r.Context(), domain.ExecutionID(id)); err != nil {
		s.writeError(w, r, err)
		return
	}

	filter := ports.JobFilter{ExecutionID: domain.ExecutionID(id)}
	if params.Status != nil {
		filter.Status = domain.JobStatus(*params.Status)
	}
	if params.DetailedStatus != nil {
		filter.DetailedStatus = domain.DetailedStatus(*params.DetailedStatus)
	}
	if params.Limit != nil {
		filter.Limit = *params.Limit
	}
	jobs, err := s.repo.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.repo.GetJob(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.repo.GetJob(r.Context(), domain.JobID(id)); err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.repo.ListSessions(r.Context(), domain.JobID(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}
