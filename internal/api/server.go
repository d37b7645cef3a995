package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store"
)

const (
	sourceControlPlane = "control_plane"
	heartbeatInterval  = 15 * time.Second
	maxQueryChars      = 2000
)

type Server struct {
	store     store.Store
	broker    Broker
	workflows WorkflowService
	logger    *zap.Logger
	heartbeat time.Duration
}

type Broker interface {
	Publish(event events.RunEvent) int
	Subscribe(ctx context.Context, runID string) <-chan events.RunEvent
}

// WorkflowService starts and cancels the durable execution behind a run.
type WorkflowService interface {
	StartRun(ctx context.Context, runID string, query string) error
	CancelRun(ctx context.Context, runID string) error
}

// HealthChecker is implemented by workflow services that can probe their
// backend.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

func NewServer(store store.Store, broker Broker, workflows WorkflowService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     store,
		broker:    broker,
		workflows: workflows,
		logger:    logger,
		heartbeat: heartbeatInterval,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/runs", s.createRun)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Delete("/runs/{id}", s.deleteRun)
	r.Post("/runs/{id}/cancel", s.cancelRun)
	r.Post("/runs/{id}/retry", s.retryRun)
	r.Post("/runs/{id}/events", s.ingestEvent)
	r.Get("/runs/{id}/events", s.streamEvents)
	r.Get("/runs/{id}/steps", s.listRunSteps)
	r.Get("/runs/{id}/evidence", s.listEvidence)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

// quietRequestLogger logs one line per request except for event traffic and
// polling endpoints.
func (s *Server) quietRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if strings.HasSuffix(cleanPath, "/events") && (method == http.MethodPost || method == http.MethodGet) {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/runs" || cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	return method == http.MethodOptions
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListRuns(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	checker, ok := s.workflows.(HealthChecker)
	switch {
	case s.workflows == nil || !ok:
		subsystems["workflows"] = subsystemStatus{Status: "skipped"}
	default:
		if err := checker.CheckHealth(ctx); err != nil {
			subsystems["workflows"] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
		} else {
			subsystems["workflows"] = subsystemStatus{Status: "ok"}
		}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

type createRunRequest struct {
	Query string `json:"query"`
}

type createRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	req := createRunRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		http.Error(w, "query required", http.StatusBadRequest)
		return
	}
	if len([]rune(query)) > maxQueryChars {
		http.Error(w, fmt.Sprintf("query exceeds %d characters", maxQueryChars), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	run := store.Run{
		ID:        uuid.New().String(),
		Query:     query,
		Status:    store.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status, err := s.startRun(r.Context(), run.ID, query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, createRunResponse{RunID: run.ID, Status: status}, http.StatusCreated)
}

// startRun records the start and hands the run to the workflow service. The
// started event goes first so worker events always follow it. Without a
// workflow service the run stays queued.
func (s *Server) startRun(ctx context.Context, runID string, query string) (string, error) {
	if s.workflows == nil {
		return store.StatusQueued, nil
	}
	if _, err := s.recordEvent(ctx, runID, events.TypeRunStarted, map[string]any{
		"status": store.StatusRunning,
		"query":  query,
	}); err != nil {
		return store.StatusQueued, fmt.Errorf("record run start: %w", err)
	}
	if err := s.workflows.StartRun(ctx, runID, query); err != nil {
		s.logger.Error("start run workflow", zap.String("run_id", runID), zap.Error(err))
		if _, recordErr := s.recordEvent(ctx, runID, events.TypeRunFailed, map[string]any{
			"completion_reason": "workflow_start_failed",
			"error":             err.Error(),
		}); recordErr != nil {
			s.logger.Warn("record run failure", zap.String("run_id", runID), zap.Error(recordErr))
		}
		return store.StatusFailed, fmt.Errorf("start run: %w", err)
	}
	return store.StatusRunning, nil
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, ok := s.lookupRun(w, r, runID)
	if !ok {
		return
	}
	if store.IsTerminal(run.Status) {
		http.Error(w, "run already finished", http.StatusConflict)
		return
	}
	if s.workflows != nil {
		if err := s.workflows.CancelRun(r.Context(), runID); err != nil {
			s.logger.Warn("cancel run workflow", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if _, err := s.recordEvent(r.Context(), runID, events.TypeRunCancelled, map[string]any{"reason": "user_requested"}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// retryRun starts a finished run again with its original query. Events and
// evidence from earlier attempts are kept.
func (s *Server) retryRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, ok := s.lookupRun(w, r, runID)
	if !ok {
		return
	}
	if !store.IsTerminal(run.Status) {
		http.Error(w, "run is still active", http.StatusConflict)
		return
	}
	if s.workflows == nil {
		http.Error(w, "workflows unavailable", http.StatusServiceUnavailable)
		return
	}
	status, err := s.startRun(r.Context(), runID, run.Query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, createRunResponse{RunID: runID, Status: status}, http.StatusAccepted)
}

type ingestEventRequest struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	TraceID   string         `json:"trace_id"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		http.Error(w, "event type required", http.StatusBadRequest)
		return
	}
	if strings.Contains(req.Type, "_") {
		http.Error(w, "event type must use dot notation", http.StatusBadRequest)
		return
	}

	timestamp := req.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	event := store.RunEvent{
		RunID:     runID,
		Type:      events.NormalizeType(req.Type),
		Timestamp: timestamp,
		Source:    req.Source,
		TraceID:   strings.TrimSpace(req.TraceID),
		Payload:   req.Payload,
	}
	if event.TraceID == "" {
		event.TraceID = uuid.New().String()
	}
	if events.IsTransient(req.Payload) {
		s.broker.Publish(toEvent(event))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	seq, err := s.store.NextSeq(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	event.Seq = seq
	if err := s.store.AppendEvent(r.Context(), event); err != nil {
		s.logger.Error("append run event", zap.String("run_id", runID), zap.String("type", event.Type), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.broker.Publish(toEvent(event))
	w.WriteHeader(http.StatusAccepted)
}

// recordEvent persists a control-plane event and fans it out.
func (s *Server) recordEvent(ctx context.Context, runID string, eventType string, payload map[string]any) (store.RunEvent, error) {
	seq, err := s.store.NextSeq(ctx, runID)
	if err != nil {
		return store.RunEvent{}, err
	}
	event := store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    sourceControlPlane,
		TraceID:   uuid.New().String(),
		Payload:   payload,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return store.RunEvent{}, err
	}
	s.broker.Publish(toEvent(event))
	return event, nil
}

// streamEvents replays stored events after the requested sequence and then
// follows live ones. The stream ends after a terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Subscribe before the replay so nothing published in between is lost.
	live := s.broker.Subscribe(ctx, runID)

	afterSeq := parseAfterSeq(runID, r)
	stored, err := s.store.ListEvents(ctx, runID, afterSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, event := range stored {
		if err := events.WriteSSE(w, toEvent(event)); err != nil {
			return
		}
		if event.Seq > afterSeq {
			afterSeq = event.Seq
		}
		flusher.Flush()
		if events.IsTerminal(event.Type) {
			return
		}
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-live:
			if !ok {
				return
			}
			if event.Seq != 0 && event.Seq <= afterSeq {
				continue
			}
			if err := events.WriteSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
			if event.Terminal() {
				return
			}
		case <-heartbeat.C:
			if err := events.WriteKeepAlive(w); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func toEvent(event store.RunEvent) events.RunEvent {
	return events.RunEvent{
		RunID:   event.RunID,
		Seq:     event.Seq,
		Type:    events.NormalizeType(event.Type),
		Ts:      event.Timestamp,
		Source:  event.Source,
		TraceID: event.TraceID,
		Payload: event.Payload,
	}
}

func parseAfterSeq(runID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil && parsed >= 0 {
			return parsed
		}
	}
	seq, _ := events.ParseEventID(runID, r.Header.Get("Last-Event-ID"))
	return seq
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("control plane listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
