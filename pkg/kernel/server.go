package kernel

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/scoutOS/internal/config"
	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
	"github.com/manthysbr/scoutOS/internal/core/services"
)

// Server exposes executions, batches, jobs and settings over HTTP.
type Server struct {
	logger   *slog.Logger
	orch     *services.Orchestrator
	eventBus *services.EventBus
	settings *config.SettingsStore
	repo     ports.Repository
	metrics  ports.MetricsReader

	heartbeat time.Duration
}

func NewServer(
	logger *slog.Logger,
	orch *services.Orchestrator,
	eventBus *services.EventBus,
	settings *config.SettingsStore,
	repo ports.Repository,
	metrics ports.MetricsReader,
) *Server {
	return &Server{
		logger:    logger,
		orch:      orch,
		eventBus:  eventBus,
		settings:  settings,
		repo:      repo,
		metrics:   metrics,
		heartbeat: 15 * time.Second,
	}
}

// Handler returns the http.Handler for the server. Every request the
// OpenAPI document describes is validated before it reaches a handler.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)

	mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /v1/batches/{id}/metrics", s.handleListMetrics)

	mux.HandleFunc("POST /v1/executions", s.handleStartExecution)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /v1/executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/executions/{id}/stop", s.handleStop)
	mux.HandleFunc("PUT /v1/executions/{id}/concurrency", s.handleAdjustConcurrency)
	mux.HandleFunc("GET /v1/executions/{id}/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleExecutionSSE)
	mux.HandleFunc("GET /v1/events", s.handleBroadcastSSE)

	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/sessions", s.handleListSessions)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	router, err := newRouter()
	if err != nil {
		return nil, err
	}
	return requestValidator(router, mux), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"active_executions": len(s.orch.ActiveExecutions()),
		"events":            s.eventBus.Stats(),
	})
}

// batchView is the API shape of a batch; rows are not echoed back.
type batchView struct {
	ID                   domain.BatchID     `json:"id"`
	Name                 string             `json:"name"`
	Columns              []domain.Column    `json:"columns"`
	RowCount             int                `json:"row_count"`
	InstructionsTemplate string             `json:"instructions_template"`
	ExpectedFields       []string           `json:"expected_fields,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	Executions           []domain.Execution `json:"executions,omitempty"`
}

func toBatchView(b domain.Batch) batchView {
	return batchView{
		ID:                   b.ID,
		Name:                 b.Name,
		Columns:              b.Columns,
		RowCount:             len(b.Rows),
		InstructionsTemplate: b.InstructionsTemplate,
		ExpectedFields:       b.ExpectedFields,
		CreatedAt:            b.CreatedAt,
	}
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var batch domain.Batch
	if err := decodeBody(r, &batch); err != nil {
		s.writeError(w, r, err)
		return
	}
	batch.ID = domain.NewBatchID()
	batch.Name = strings.TrimSpace(batch.Name)
	batch.CreatedAt = time.Now().UTC()
	if err := batch.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.repo.SaveBatch(r.Context(), batch); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("batch created", "batch_id", batch.ID, "rows", len(batch.Rows))
	w.Header().Set("Location", "/v1/batches/"+string(batch.ID))
	writeJSON(w, http.StatusCreated, toBatchView(batch))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	batch, err := s.repo.GetBatch(r.Context(), domain.BatchID(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	execs, err := s.repo.ListExecutions(r.Context(), ports.ExecutionFilter{BatchID: batch.ID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := toBatchView(batch)
	view.Executions = execs
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.repo.GetBatch(r.Context(), domain.BatchID(id)); err != nil {
		s.writeError(w, r, err)
		return
	}
	snaps, err := s.metrics.ListSnapshots(r.Context(), domain.BatchID(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []domain.MetricsSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}
