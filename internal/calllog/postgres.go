package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLogger persists call events in PostgreSQL.
type PostgresLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresLogger(ctx context.Context, pool *pgxpool.Pool) (*PostgresLogger, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresLogger{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			call_id TEXT PRIMARY KEY,
			from_number TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'in_progress',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS call_events (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL REFERENCES calls(call_id),
			kind TEXT NOT NULL,
			turn INT NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events (call_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (l *PostgresLogger) StartCall(ctx context.Context, callID, fromNumber string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO calls (call_id, from_number) VALUES ($1, $2)
		 ON CONFLICT (call_id) DO NOTHING`,
		callID, fromNumber,
	)
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	return nil
}

func (l *PostgresLogger) LogTranscription(ctx context.Context, callID, text string, confidence float64) error {
	return l.insertEvent(ctx, callID, "transcription", 0, text, "", confidence)
}

func (l *PostgresLogger) LogModelInteraction(ctx context.Context, callID string, interaction ModelInteraction) error {
	return l.insertEvent(ctx, callID, "model", interaction.Turn, interaction.Reply, interaction.FunctionName, 0)
}

func (l *PostgresLogger) LogSynthesizedAudio(ctx context.Context, callID, text, path string) error {
	return l.insertEvent(ctx, callID, "synthesis", 0, text, path, 0)
}

func (l *PostgresLogger) EndCall(ctx context.Context, callID, status string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE calls SET status=$2, ended_at=$3 WHERE call_id=$1 AND ended_at IS NULL`,
		callID, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return nil
}

func (l *PostgresLogger) insertEvent(ctx context.Context, callID, kind string, turn int, content, detail string, confidence float64) error {
	// Media-stream events can arrive for calls that never hit the voice
	// webhook, so make sure the parent row exists before the event insert.
	_, err := l.pool.Exec(ctx,
		`INSERT INTO calls (call_id) VALUES ($1) ON CONFLICT (call_id) DO NOTHING`,
		callID,
	)
	if err != nil {
		return fmt.Errorf("log %s event: %w", kind, err)
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO call_events (id, call_id, kind, turn, content, detail, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), callID, kind, turn, content, detail, confidence,
	)
	if err != nil {
		return fmt.Errorf("log %s event: %w", kind, err)
	}
	return nil
}
