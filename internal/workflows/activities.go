package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/agent"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/events"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/research"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store"
)

const eventSource = "worker"

type ResearchInput struct {
	RunID string
	Query string
}

type ResearchOutput struct {
	Status        string
	Answer        string
	Loops         int
	EvidenceCount int
}

type RunFailureInput struct {
	RunID string
	Error string
}

var marshalJSON = json.Marshal

// EventStore is the slice of the run store the worker writes to when the
// control plane cannot be reached.
type EventStore interface {
	NextSeq(ctx context.Context, runID string) (int64, error)
	AppendEvent(ctx context.Context, event store.RunEvent) error
}

// SessionFactory opens one research session per activity attempt.
type SessionFactory interface {
	NewSession(sink agent.EventSink, out io.Writer, verbose bool) (*research.Session, error)
}

type ResearchActivities struct {
	store             EventStore
	sessions          SessionFactory
	controlPlane      string
	httpClient        *http.Client
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type ResearchActivitiesOption func(*ResearchActivities)

func WithHTTPClient(client *http.Client) ResearchActivitiesOption {
	return func(a *ResearchActivities) {
		if client != nil {
			a.httpClient = client
		}
	}
}

func WithLogger(logger *zap.Logger) ResearchActivitiesOption {
	return func(a *ResearchActivities) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithHeartbeatInterval sets how often a running session heartbeats while
// it waits on the model or the network.
func WithHeartbeatInterval(interval time.Duration) ResearchActivitiesOption {
	return func(a *ResearchActivities) {
		if interval > 0 {
			a.heartbeatInterval = interval
		}
	}
}

func NewResearchActivities(store EventStore, sessions SessionFactory, controlPlaneURL string, opts ...ResearchActivitiesOption) *ResearchActivities {
	activities := &ResearchActivities{
		store:             store,
		sessions:          sessions,
		controlPlane:      strings.TrimRight(controlPlaneURL, "/"),
		httpClient:        &http.Client{Timeout: 60 * time.Second},
		requestTimeout:    10 * time.Second,
		heartbeatInterval: 10 * time.Second,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(activities)
		}
	}
	return activities
}

// RunResearch drives one agent session for the run. Progress reaches the
// control plane as events; the terminal run.answered or run.exhausted event
// is emitted by the agent itself.
func (a *ResearchActivities) RunResearch(ctx context.Context, input ResearchInput) (ResearchOutput, error) {
	if strings.TrimSpace(input.RunID) == "" {
		return ResearchOutput{}, errors.New("run_id required")
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return ResearchOutput{}, errors.New("query required")
	}
	logger := a.logger.With(zap.String("run_id", input.RunID))

	session, err := a.sessions.NewSession(a.sink(input.RunID), io.Discard, false)
	if err != nil {
		return ResearchOutput{}, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	stop := a.startHeartbeat(ctx)
	defer stop()

	started := time.Now()
	result, err := session.Run(ctx, query)
	if err != nil {
		logger.Info("research interrupted", zap.Int("loops", result.Loops), zap.Error(err))
		return ResearchOutput{}, err
	}
	logger.Info("research finished",
		zap.String("status", string(result.Status)),
		zap.Int("loops", result.Loops),
		zap.Int("evidence", len(result.Evidence)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return ResearchOutput{
		Status:        string(result.Status),
		Answer:        result.Answer,
		Loops:         result.Loops,
		EvidenceCount: len(result.Evidence),
	}, nil
}

func (a *ResearchActivities) HandleRunFailure(ctx context.Context, input RunFailureInput) error {
	if strings.TrimSpace(input.RunID) == "" {
		return errors.New("run_id required")
	}
	detail := strings.TrimSpace(input.Error)
	if detail == "" {
		detail = "unknown workflow activity error"
	}
	payload := map[string]any{
		"error":             detail,
		"completion_reason": "activity_error",
	}
	return a.emitEvent(ctx, input.RunID, events.TypeRunFailed, payload)
}

// sink forwards agent events for runID. model.completed carries the raw
// reply and is streamed without being stored.
func (a *ResearchActivities) sink(runID string) agent.EventSink {
	return agent.SinkFunc(func(ctx context.Context, ev agent.Event) {
		if activity.IsActivity(ctx) {
			activity.RecordHeartbeat(ctx, ev.Type)
		}
		payload := ev.Payload
		if ev.Type == agent.EventModelCompleted {
			payload = withTransient(payload)
			if err := a.postEvent(ctx, runID, ev.Type, payload); err != nil {
				a.logger.Debug("drop transient event", zap.String("run_id", runID), zap.Error(err))
			}
			return
		}
		if err := a.emitEvent(ctx, runID, ev.Type, payload); err != nil {
			a.logger.Warn("record agent event", zap.String("run_id", runID), zap.String("type", ev.Type), zap.Error(err))
		}
	})
}

func withTransient(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[events.TransientKey] = true
	return out
}

func (a *ResearchActivities) startHeartbeat(ctx context.Context) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, "alive")
			}
		}
	}()
	return func() { close(done) }
}

func (a *ResearchActivities) emitEvent(ctx context.Context, runID string, eventType string, payload map[string]any) error {
	if err := a.postEvent(ctx, runID, eventType, payload); err == nil {
		return nil
	}
	return a.appendLocalEvent(ctx, runID, eventType, payload)
}

func (a *ResearchActivities) appendLocalEvent(ctx context.Context, runID string, eventType string, payload map[string]any) error {
	if a.store == nil {
		return errors.New("control plane unreachable and no local store")
	}
	seq, err := a.store.NextSeq(ctx, runID)
	if err != nil {
		return err
	}
	return a.store.AppendEvent(ctx, store.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    eventSource,
		TraceID:   uuid.New().String(),
		Payload:   payload,
	})
}

func (a *ResearchActivities) postEvent(ctx context.Context, runID string, eventType string, payload map[string]any) error {
	url := fmt.Sprintf("%s/runs/%s/events", a.controlPlane, runID)
	body, err := marshalJSON(map[string]any{
		"type":      eventType,
		"source":    eventSource,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"trace_id":  uuid.New().String(),
		"payload":   payload,
	})
	if err != nil {
		return err
	}
	requestCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control plane event failed: %s", resp.Status)
	}
	return nil
}
