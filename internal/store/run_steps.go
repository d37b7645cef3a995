package store

import (
	"strings"
	"unicode/utf8"
)

const (
	StepRunning   = "running"
	StepCompleted = "completed"

	maxObservationChars = 2000
)

// BuildRunStepFromEvent maps action.dispatched and observation.recorded to
// the step they describe. Events without a step index are ignored.
func BuildRunStepFromEvent(event RunEvent) (RunStep, bool) {
	eventType := NormalizeEventType(event.Type)
	if eventType != "action.dispatched" && eventType != "observation.recorded" {
		return RunStep{}, false
	}
	index := firstInt(event.Payload, "step")
	if index <= 0 {
		return RunStep{}, false
	}
	step := RunStep{
		RunID: event.RunID,
		Index: index,
		Loop:  firstInt(event.Payload, "loop"),
		Verb:  firstString(event.Payload, "verb"),
		Seq:   event.Seq,
	}
	if eventType == "action.dispatched" {
		step.Status = StepRunning
		step.Arg = firstString(event.Payload, "arg")
		step.StartedAt = event.Timestamp
		return step, true
	}
	step.Status = StepCompleted
	step.Observation = clip(firstString(event.Payload, "observation"), maxObservationChars)
	step.CompletedAt = event.Timestamp
	return step, true
}

// MergeRunStep folds a later update into an existing step.
func MergeRunStep(existing RunStep, update RunStep) RunStep {
	merged := existing
	if merged.RunID == "" {
		merged.RunID = update.RunID
	}
	if merged.Index == 0 {
		merged.Index = update.Index
	}
	if update.Loop > 0 {
		merged.Loop = update.Loop
	}
	if update.Verb != "" {
		merged.Verb = update.Verb
	}
	if update.Arg != "" {
		merged.Arg = update.Arg
	}
	if update.Observation != "" {
		merged.Observation = update.Observation
	}
	if update.StartedAt != "" && merged.StartedAt == "" {
		merged.StartedAt = update.StartedAt
	}
	if update.CompletedAt != "" {
		merged.CompletedAt = update.CompletedAt
	}
	if merged.Seq == 0 || (update.Seq > 0 && update.Seq < merged.Seq) {
		merged.Seq = update.Seq
	}
	if merged.Status != StepCompleted {
		merged.Status = update.Status
	}
	if merged.Status == "" {
		merged.Status = StepRunning
	}
	return merged
}

// NormalizeEventType lowercases and maps underscores to dots.
func NormalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	return strings.ReplaceAll(normalized, "_", ".")
}

func firstString(payload map[string]any, keys ...string) string {
	if payload == nil {
		return ""
	}
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func firstInt(payload map[string]any, keys ...string) int {
	if payload == nil {
		return 0
	}
	for _, key := range keys {
		value, ok := payload[key]
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case int:
			return typed
		case int64:
			return int(typed)
		case float64:
			return int(typed)
		}
	}
	return 0
}

func clip(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
