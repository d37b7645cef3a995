package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/keyring-gavryn/researcher/internal/store"
)

// Schema creates every table the store needs. It is idempotent.
//
//go:embed schema.sql
var Schema string

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"runs",
		"run_events",
		"run_event_sequences",
		"run_steps",
		"run_evidence",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (apply internal/store/postgres/schema.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run store.Run) error {
	status := strings.TrimSpace(run.Status)
	if status == "" {
		status = store.StatusQueued
	}
	const query = `
		INSERT INTO runs (id, query, status, answer, completion_reason, loops, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.Query,
		status,
		nullString(run.Answer),
		nullString(run.CompletionReason),
		run.Loops,
		parseTimestampValue(run.CreatedAt),
		parseTimestampValue(run.UpdatedAt),
	)
	return err
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	const query = `
		SELECT id, query, status, COALESCE(answer, ''), COALESCE(completion_reason, ''), loops, created_at, updated_at
		FROM runs
		WHERE id = $1
	`
	var run store.Run
	var createdAt, updatedAt time.Time
	err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.Query,
		&run.Status,
		&run.Answer,
		&run.CompletionReason,
		&run.Loops,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.CreatedAt = formatTime(createdAt)
	run.UpdatedAt = formatTime(updatedAt)
	return &run, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context) ([]store.RunSummary, error) {
	const query = `
		SELECT
			r.id,
			r.query,
			r.status,
			COALESCE(r.completion_reason, ''),
			r.loops,
			(SELECT COUNT(*) FROM run_evidence e WHERE e.run_id = r.id) AS evidence_count,
			r.created_at,
			r.updated_at
		FROM runs r
		ORDER BY r.created_at DESC, r.id ASC
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunSummary{}
	for rows.Next() {
		var summary store.RunSummary
		var createdAt, updatedAt time.Time
		if err := rows.Scan(
			&summary.ID,
			&summary.Query,
			&summary.Status,
			&summary.CompletionReason,
			&summary.Loops,
			&summary.EvidenceCount,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		summary.CreatedAt = formatTime(createdAt)
		summary.UpdatedAt = formatTime(updatedAt)
		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM run_event_sequences WHERE run_id = $1", runID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM runs WHERE id = $1", runID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// AppendEvent stores event and, in the same transaction, applies the step,
// evidence and run state it implies.
func (p *PostgresStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	event.Type = store.NormalizeEventType(event.Type)
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	timestampValue := parseTimestampValue(event.Timestamp)
	traceID := strings.TrimSpace(event.TraceID)
	var traceIDValue any
	if _, parseErr := uuid.Parse(traceID); traceID != "" && parseErr == nil {
		traceIDValue = traceID
	}

	const query = `
		INSERT INTO run_events (run_id, seq, type, timestamp, source, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, query, event.RunID, event.Seq, event.Type, timestampValue, event.Source, traceIDValue, encoded); err != nil {
		return err
	}
	if step, ok := store.BuildRunStepFromEvent(event); ok {
		if err = upsertRunStepTx(ctx, tx, step); err != nil {
			return err
		}
	}
	if evidence, ok := store.EvidenceFromEvent(event); ok {
		if err = insertEvidenceTx(ctx, tx, evidence); err != nil {
			return err
		}
	}
	if transition, ok := store.TransitionFromEvent(event); ok {
		if err = applyRunStateUpdateTx(ctx, tx, event.RunID, transition, timestampValue); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	const query = `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var payloadBytes []byte
		var timestamp time.Time
		var traceID sql.NullString
		var event store.RunEvent
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &timestamp, &event.Source, &traceID, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = formatTime(timestamp)
		if traceID.Valid {
			event.TraceID = traceID.String
		}
		event.Payload = map[string]any{}
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &event.Payload); err != nil {
				return nil, err
			}
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	const query = `
		INSERT INTO run_event_sequences (run_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (run_id)
		DO UPDATE SET last_seq = run_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PostgresStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	const query = `
		SELECT run_id, step_index, loop, verb, arg, status, observation, seq, started_at, completed_at
		FROM run_steps
		WHERE run_id = $1
		ORDER BY step_index ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunStep{}
	for rows.Next() {
		var step store.RunStep
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&step.RunID,
			&step.Index,
			&step.Loop,
			&step.Verb,
			&step.Arg,
			&step.Status,
			&step.Observation,
			&step.Seq,
			&startedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			step.StartedAt = formatTime(startedAt.Time)
		}
		if completedAt.Valid {
			step.CompletedAt = formatTime(completedAt.Time)
		}
		results = append(results, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) ListEvidence(ctx context.Context, runID string) ([]store.Evidence, error) {
	const query = `
		SELECT run_id, position, url, snippet, created_at
		FROM run_evidence
		WHERE run_id = $1
		ORDER BY position ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Evidence{}
	for rows.Next() {
		var ev store.Evidence
		var createdAt time.Time
		if err := rows.Scan(&ev.RunID, &ev.Position, &ev.URL, &ev.Snippet, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = formatTime(createdAt)
		results = append(results, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func upsertRunStepTx(ctx context.Context, tx *sql.Tx, step store.RunStep) error {
	const query = `
		INSERT INTO run_steps (run_id, step_index, loop, verb, arg, status, observation, seq, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			loop = GREATEST(run_steps.loop, EXCLUDED.loop),
			verb = COALESCE(NULLIF(EXCLUDED.verb, ''), run_steps.verb),
			arg = COALESCE(NULLIF(EXCLUDED.arg, ''), run_steps.arg),
			status = CASE WHEN run_steps.status = 'completed' THEN run_steps.status ELSE EXCLUDED.status END,
			observation = COALESCE(NULLIF(EXCLUDED.observation, ''), run_steps.observation),
			seq = LEAST(run_steps.seq, EXCLUDED.seq),
			started_at = COALESCE(run_steps.started_at, EXCLUDED.started_at),
			completed_at = COALESCE(EXCLUDED.completed_at, run_steps.completed_at)
	`
	_, err := tx.ExecContext(
		ctx,
		query,
		step.RunID,
		step.Index,
		step.Loop,
		step.Verb,
		step.Arg,
		step.Status,
		step.Observation,
		step.Seq,
		parseTimestampNull(step.StartedAt),
		parseTimestampNull(step.CompletedAt),
	)
	return err
}

func insertEvidenceTx(ctx context.Context, tx *sql.Tx, ev store.Evidence) error {
	const query = `
		INSERT INTO run_evidence (run_id, position, url, snippet, created_at)
		SELECT $1, COALESCE(MAX(position), 0) + 1, $2, $3, $4
		FROM run_evidence
		WHERE run_id = $1
	`
	_, err := tx.ExecContext(ctx, query, ev.RunID, ev.URL, ev.Snippet, parseTimestampValue(ev.CreatedAt))
	return err
}

func applyRunStateUpdateTx(ctx context.Context, tx *sql.Tx, runID string, t store.Transition, updatedAt time.Time) error {
	const query = `
		UPDATE runs
		SET
			status = COALESCE(NULLIF($2, ''), status),
			completion_reason = COALESCE(NULLIF($3, ''), completion_reason),
			answer = COALESCE(NULLIF($4, ''), answer),
			loops = GREATEST(loops, $5),
			updated_at = $6
		WHERE id = $1
			AND (status NOT IN ('answered', 'exhausted', 'failed', 'cancelled') OR $2 = 'running')
	`
	_, err := tx.ExecContext(ctx, query, runID, t.Status, t.CompletionReason, t.Answer, t.Loops, updatedAt)
	return err
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func parseTimestampNull(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return parsed.UTC()
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}
