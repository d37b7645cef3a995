// Package events fans run events out to live subscribers of the control
// plane. Persistence is the store's job; the broker only relays.
package events

import (
	"context"
	"strings"
	"sync"
)

const (
	TypeRunStarted   = "run.started"
	TypeRunAnswered  = "run.answered"
	TypeRunExhausted = "run.exhausted"
	TypeRunFailed    = "run.failed"
	TypeRunCancelled = "run.cancelled"
)

// TransientKey marks a payload as publish-only. Transient events reach live
// subscribers but are never persisted.
const TransientKey = "transient"

const defaultBuffer = 16

type RunEvent struct {
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Ts      string         `json:"ts"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Terminal reports whether no further events follow this one.
func (e RunEvent) Terminal() bool {
	return IsTerminal(e.Type)
}

func IsTerminal(eventType string) bool {
	switch NormalizeType(eventType) {
	case TypeRunAnswered, TypeRunExhausted, TypeRunFailed, TypeRunCancelled:
		return true
	}
	return false
}

// IsTransient reports whether payload asks to skip persistence.
func IsTransient(payload map[string]any) bool {
	flag, ok := payload[TransientKey].(bool)
	return ok && flag
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

// Broker delivers events per run. Slow subscribers lose events rather than
// stall the publisher.
type Broker struct {
	mu          sync.RWMutex
	buffer      int
	subscribers map[string]map[chan RunEvent]struct{}
}

func NewBroker() *Broker {
	return NewBrokerWithBuffer(defaultBuffer)
}

func NewBrokerWithBuffer(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		buffer:      buffer,
		subscribers: map[string]map[chan RunEvent]struct{}{},
	}
}

// Subscribe registers for runID until ctx is done, at which point the
// channel is closed.
func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan RunEvent {
	ch := make(chan RunEvent, b.buffer)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Subscribers returns the number of live subscriptions for runID.
func (b *Broker) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[runID])
}

// Publish returns how many subscribers accepted the event.
func (b *Broker) Publish(event RunEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch := range b.subscribers[event.RunID] {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}
