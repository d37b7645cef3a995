package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store"
)

type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]store.Run
	events   map[string][]store.RunEvent
	runSteps map[string]map[int]store.RunStep
	evidence map[string][]store.Evidence
	seq      map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		runs:     map[string]store.Run{},
		events:   map[string][]store.RunEvent{},
		runSteps: map[string]map[int]store.RunStep{},
		evidence: map[string][]store.Evidence{},
		seq:      map[string]int64{},
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(run.Status) == "" {
		run.Status = store.StatusQueued
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.RunSummary, 0, len(m.runs))
	for _, run := range m.runs {
		results = append(results, store.RunSummary{
			ID:               run.ID,
			Query:            run.Query,
			Status:           run.Status,
			CompletionReason: run.CompletionReason,
			Loops:            run.Loops,
			EvidenceCount:    int64(len(m.evidence[run.ID])),
			CreatedAt:        run.CreatedAt,
			UpdatedAt:        run.UpdatedAt,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		left, right := parseTime(results[i].CreatedAt), parseTime(results[j].CreatedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.After(right)
	})
	return results, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	delete(m.events, runID)
	delete(m.runSteps, runID)
	delete(m.evidence, runID)
	delete(m.seq, runID)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Type = store.NormalizeEventType(event.Type)
	event.Payload = cloneMap(event.Payload)
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.events[event.RunID] = append(m.events[event.RunID], event)
	m.applyRunStepLocked(event)
	m.applyRunStateLocked(event)
	if ev, ok := store.EvidenceFromEvent(event); ok {
		ev.Position = len(m.evidence[event.RunID]) + 1
		m.evidence[event.RunID] = append(m.evidence[event.RunID], ev)
	}
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	if afterSeq <= 0 {
		return append([]store.RunEvent{}, events...), nil
	}
	filtered := []store.RunEvent{}
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[runID] += 1
	return m.seq[runID], nil
}

func (m *MemoryStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stepsByIndex := m.runSteps[runID]
	steps := make([]store.RunStep, 0, len(stepsByIndex))
	for _, step := range stepsByIndex {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Index < steps[j].Index
	})
	return steps, nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, runID string) ([]store.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]store.Evidence{}, m.evidence[runID]...), nil
}

func (m *MemoryStore) applyRunStepLocked(event store.RunEvent) {
	step, ok := store.BuildRunStepFromEvent(event)
	if !ok {
		return
	}
	if m.runSteps[event.RunID] == nil {
		m.runSteps[event.RunID] = map[int]store.RunStep{}
	}
	if existing, found := m.runSteps[event.RunID][step.Index]; found {
		step = store.MergeRunStep(existing, step)
	}
	m.runSteps[event.RunID][step.Index] = step
}

func (m *MemoryStore) applyRunStateLocked(event store.RunEvent) {
	run, ok := m.runs[event.RunID]
	if !ok {
		return
	}
	transition, ok := store.TransitionFromEvent(event)
	if !ok || !transition.AllowedFrom(run.Status) {
		return
	}
	transition.Apply(&run, event.Timestamp)
	m.runs[event.RunID] = run
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
