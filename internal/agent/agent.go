// Package agent runs the research turn loop: it asks the model for a reply,
// executes the first action it names, feeds the observation back and stops
// once the model is done or the loop budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/action"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/llm"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/session"
	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/web"
)

const (
	tracerName = "github.com/Keyring-Network/keyring-gavryn/researcher/internal/agent"

	formatCorrection = "Observation: Reply must start with Thought: and contain an Action.\n"
	turnReserve      = 400
	summaryReserve   = 256
	summaryHardCap   = 2048
	stopMarker       = "Observation:"
)

type Status string

const (
	StatusAnswered  Status = "answered"
	StatusExhausted Status = "exhausted"
)

type Result struct {
	Status   Status
	Answer   string
	Loops    int
	Evidence []session.Evidence
}

type Dependencies struct {
	Backend   llm.Backend
	Searcher  web.Searcher
	Fetcher   web.Fetcher
	Crawler   web.Crawler
	Extractor web.Extractor
	Logger    *zap.Logger
	Events    EventSink
	// Output receives the final answer, and in verbose mode the streamed
	// model output and loop headers.
	Output io.Writer
}

type Agent struct {
	cfg    Config
	deps   Dependencies
	parser *action.Parser
	tracer trace.Tracer
}

func New(cfg Config, deps Dependencies) (*Agent, error) {
	if deps.Backend == nil {
		return nil, errors.New("agent: backend is required")
	}
	if deps.Searcher == nil {
		return nil, errors.New("agent: searcher is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("agent: fetcher is required")
	}
	if deps.Extractor == nil {
		deps.Extractor = web.NewHTMLExtractor()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.Output == nil {
		deps.Output = io.Discard
	}
	return &Agent{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		parser: action.NewParser(deps.Logger),
		tracer: otel.Tracer(tracerName),
	}, nil
}

// run is the state of one research session.
type run struct {
	*Agent
	query      string
	memory     *session.Memory
	transcript string
	trimmer    historyTrimmer
	loop       int
	steps      int
	evidenceAt int
}

func (a *Agent) newRun(query string) *run {
	return &run{
		Agent:      a,
		query:      query,
		memory:     session.New(a.deps.Fetcher, a.deps.Extractor, a.deps.Logger),
		transcript: systemPrompt(query, a.cfg),
		trimmer: historyTrimmer{
			backend:  a.deps.Backend,
			maxChars: a.cfg.MaxHistoryChars,
			reserve:  turnReserve,
			logger:   a.deps.Logger,
		},
	}
}

// Run researches query until the model finishes or the loop budget is
// spent. Collaborator failures never abort the run; only context
// cancellation does.
func (a *Agent) Run(ctx context.Context, query string) (Result, error) {
	r := a.newRun(query)
	ctx, span := a.tracer.Start(ctx, "agent.run", trace.WithAttributes(attribute.String("agent.query", query)))
	defer span.End()

	for r.loop = 1; r.loop <= a.cfg.MaxLoops; r.loop++ {
		if a.cfg.Verbose {
			fmt.Fprintf(a.deps.Output, "\n— LOOP %d —\n", r.loop)
		}
		answer, answered := r.turn(ctx)
		if err := ctx.Err(); err != nil {
			return r.result(StatusExhausted, ""), err
		}
		if answered {
			fmt.Fprintf(a.deps.Output, "\n— FINAL ANSWER —\n%s\n", answer)
			r.printSources()
			r.emit(ctx, EventRunAnswered, map[string]any{"answer": answer, "loops": r.loop})
			return r.result(StatusAnswered, answer), nil
		}
	}

	r.loop = a.cfg.MaxLoops
	fmt.Fprint(a.deps.Output, "\n— MAX LOOPS REACHED —\n")
	answer := r.summarize(ctx)
	fmt.Fprintf(a.deps.Output, "%s\n", answer)
	r.emit(ctx, EventRunExhausted, map[string]any{"answer": answer, "loops": r.loop})
	return r.result(StatusExhausted, answer), ctx.Err()
}

// turn runs one outer iteration. It executes up to ActionLimit actions and
// tolerates up to ActionLimit malformed replies.
func (r *run) turn(ctx context.Context) (string, bool) {
	ctx, span := r.tracer.Start(ctx, "agent.turn", trace.WithAttributes(attribute.Int("agent.loop", r.loop)))
	defer span.End()
	r.emit(ctx, EventTurnStarted, map[string]any{"loop": r.loop})

	executed, retries := 0, 0
	for executed < r.cfg.ActionLimit {
		if ctx.Err() != nil {
			return "", false
		}
		r.transcript = r.trimmer.Trim(ctx, r.transcript)
		block := r.consume(ctx, r.transcript)
		r.emit(ctx, EventModelCompleted, map[string]any{"loop": r.loop, "block": block})

		actions, valid := r.parser.Parse(block, r.cfg.ActionLimit)
		if !valid {
			r.deps.Logger.Debug("malformed model reply", zap.Int("loop", r.loop), zap.Int("retry", retries+1))
			r.emit(ctx, EventActionRejected, map[string]any{"loop": r.loop, "block": block})
			r.transcript += formatCorrection
			retries++
			if retries >= r.cfg.ActionLimit {
				return "", false
			}
			continue
		}

		selected := actions[0]
		r.steps++
		r.emit(ctx, EventActionDispatched, map[string]any{"loop": r.loop, "step": r.steps, "verb": string(selected.Verb), "arg": selected.Arg})
		observation, answered := r.dispatch(ctx, selected)
		r.emitEvidence(ctx)
		r.emit(ctx, EventObservationRecorded, map[string]any{"loop": r.loop, "step": r.steps, "verb": string(selected.Verb), "observation": observation})

		r.transcript += block + "\n\nObservation: " + observation + "\n"
		r.transcript = r.trimmer.Trim(ctx, r.transcript)
		if answered {
			return observation, true
		}
		r.pause(ctx)

		executed++
		if selected.IsDone() {
			return "", false
		}
	}
	return "", false
}

// consume streams one model reply and stops as soon as a complete line
// parses as an action. Generation or decoding failures yield "".
func (r *run) consume(ctx context.Context, prompt string) string {
	opts := llm.GenerateOptions{
		MaxTokens:     llm.Budget(ctx, r.deps.Backend, prompt, turnReserve, 0),
		Temperature:   0.32,
		TopP:          0.8,
		RepeatPenalty: 1.15,
		Stop:          []string{stopMarker},
	}
	stream, err := r.deps.Backend.Generate(ctx, prompt, opts)
	if err != nil {
		r.deps.Logger.Warn("model generation failed", zap.Int("loop", r.loop), zap.Error(err))
		return ""
	}
	defer stream.Close()

	var out strings.Builder
	var line string
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.deps.Logger.Warn("model stream failed", zap.Int("loop", r.loop), zap.Error(err))
			return ""
		}
		out.WriteString(fragment)
		if r.cfg.Verbose {
			fmt.Fprint(r.deps.Output, fragment)
		}
		line += fragment
		if r.completesAction(&line) {
			break
		}
	}
	if r.cfg.Verbose {
		fmt.Fprintln(r.deps.Output)
	}
	return strings.TrimSpace(out.String())
}

// completesAction checks every finished line in buf and keeps the
// unfinished remainder.
func (r *run) completesAction(buf *string) bool {
	for {
		idx := strings.IndexByte(*buf, '\n')
		if idx < 0 {
			return false
		}
		candidate := (*buf)[:idx]
		*buf = (*buf)[idx+1:]
		if r.parser.IsAction(candidate) {
			return true
		}
	}
}

func (r *run) pause(ctx context.Context) {
	if r.cfg.TurnPause <= 0 {
		return
	}
	timer := time.NewTimer(r.cfg.TurnPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *run) emit(ctx context.Context, eventType string, payload map[string]any) {
	r.deps.Events.Emit(ctx, Event{Type: eventType, Payload: payload})
}

// emitEvidence reports evidence recorded since the previous call.
func (r *run) emitEvidence(ctx context.Context) {
	evidence := r.memory.Evidence()
	for _, ev := range evidence[r.evidenceAt:] {
		r.emit(ctx, EventEvidenceRecorded, map[string]any{"url": ev.URL, "snippet": ev.Snippet})
	}
	r.evidenceAt = len(evidence)
}

func (r *run) printSources() {
	evidence := r.memory.Evidence()
	if len(evidence) == 0 {
		return
	}
	fmt.Fprintln(r.deps.Output, "\nSources:")
	for i, ev := range evidence {
		fmt.Fprintf(r.deps.Output, "[%d] %s\n", i+1, ev.URL)
	}
}

func (r *run) result(status Status, answer string) Result {
	return Result{
		Status:   status,
		Answer:   answer,
		Loops:    r.loop,
		Evidence: r.memory.Evidence(),
	}
}
