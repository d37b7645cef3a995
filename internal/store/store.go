package store

import "context"

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusAnswered  = "answered"
	StatusExhausted = "exhausted"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type Run struct {
	ID               string
	Query            string
	Status           string
	Answer           string
	CompletionReason string
	Loops            int
	CreatedAt        string
	UpdatedAt        string
}

type RunSummary struct {
	ID               string
	Query            string
	Status           string
	CompletionReason string
	Loops            int
	EvidenceCount    int64
	CreatedAt        string
	UpdatedAt        string
}

type RunEvent struct {
	RunID     string
	Seq       int64
	Type      string
	Timestamp string
	Source    string
	TraceID   string
	Payload   map[string]any
}

// RunStep is one dispatched agent action together with its observation.
type RunStep struct {
	RunID       string
	Index       int
	Loop        int
	Verb        string
	Arg         string
	Status      string
	Observation string
	Seq         int64
	StartedAt   string
	CompletedAt string
}

type Evidence struct {
	RunID     string
	Position  int
	URL       string
	Snippet   string
	CreatedAt string
}

// Store persists research runs. Run status, steps and evidence are derived
// from the appended events; callers never update them directly.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]RunSummary, error)
	DeleteRun(ctx context.Context, runID string) error
	AppendEvent(ctx context.Context, event RunEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error)
	NextSeq(ctx context.Context, runID string) (int64, error)
	ListRunSteps(ctx context.Context, runID string) ([]RunStep, error)
	ListEvidence(ctx context.Context, runID string) ([]Evidence, error)
}
