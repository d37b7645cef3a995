package agent

import "context"

const (
	EventTurnStarted         = "turn.started"
	EventModelCompleted      = "model.completed"
	EventActionRejected      = "action.rejected"
	EventActionDispatched    = "action.dispatched"
	EventObservationRecorded = "observation.recorded"
	EventEvidenceRecorded    = "evidence.recorded"
	EventRunAnswered         = "run.answered"
	EventRunExhausted        = "run.exhausted"
)

type Event struct {
	Type    string
	Payload map[string]any
}

// EventSink receives progress events from the turn loop. Emit must not
// block for long; the loop waits for it.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}
