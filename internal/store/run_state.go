package store

// Transition is the run state change implied by a lifecycle event.
type Transition struct {
	Status           string
	CompletionReason string
	Answer           string
	Loops            int
}

// TransitionFromEvent reports how event changes its run, if at all.
func TransitionFromEvent(event RunEvent) (Transition, bool) {
	switch NormalizeEventType(event.Type) {
	case "run.started":
		return Transition{Status: StatusRunning}, true
	case "run.answered":
		return Transition{
			Status:           StatusAnswered,
			CompletionReason: "answered",
			Answer:           firstString(event.Payload, "answer"),
			Loops:            firstInt(event.Payload, "loops"),
		}, true
	case "run.exhausted":
		return Transition{
			Status:           StatusExhausted,
			CompletionReason: "max_loops",
			Answer:           firstString(event.Payload, "answer"),
			Loops:            firstInt(event.Payload, "loops"),
		}, true
	case "run.failed":
		reason := firstString(event.Payload, "completion_reason")
		if reason == "" {
			reason = "activity_error"
		}
		return Transition{Status: StatusFailed, CompletionReason: reason}, true
	case "run.cancelled":
		return Transition{Status: StatusCancelled, CompletionReason: "user_cancelled"}, true
	default:
		return Transition{}, false
	}
}

// AllowedFrom reports whether a run in status current may take t. Finished
// runs only move again when restarted.
func (t Transition) AllowedFrom(current string) bool {
	return !IsTerminal(current) || t.Status == StatusRunning
}

// Apply copies the non-empty parts of t onto run.
func (t Transition) Apply(run *Run, updatedAt string) {
	if t.Status != "" {
		run.Status = t.Status
	}
	if t.CompletionReason != "" {
		run.CompletionReason = t.CompletionReason
	}
	if t.Answer != "" {
		run.Answer = t.Answer
	}
	if t.Loops > 0 {
		run.Loops = t.Loops
	}
	if updatedAt != "" {
		run.UpdatedAt = updatedAt
	}
}

// EvidenceFromEvent extracts the source recorded by an evidence.recorded
// event. Position is assigned by the store.
func EvidenceFromEvent(event RunEvent) (Evidence, bool) {
	if NormalizeEventType(event.Type) != "evidence.recorded" {
		return Evidence{}, false
	}
	url := firstString(event.Payload, "url")
	if url == "" {
		return Evidence{}, false
	}
	return Evidence{
		RunID:     event.RunID,
		URL:       url,
		Snippet:   firstString(event.Payload, "snippet"),
		CreatedAt: event.Timestamp,
	}, true
}

// IsTerminal reports whether status ends a run.
func IsTerminal(status string) bool {
	switch status {
	case StatusAnswered, StatusExhausted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
