package callstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			stream_sid TEXT NOT NULL DEFAULT '',
			call_sid TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			elevenlabs_agent_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			end_reason TEXT NOT NULL DEFAULT '',
			frames_to_upstream INTEGER NOT NULL DEFAULT 0,
			frames_to_telephony INTEGER NOT NULL DEFAULT 0,
			frames_dropped INTEGER NOT NULL DEFAULT 0,
			interruptions INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			streaming_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_started ON call_records (started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_call_sid ON call_records (call_sid);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const recordColumns = `id, stream_sid, call_sid, agent_id, elevenlabs_agent_id, conversation_id, status,
	end_reason, frames_to_upstream, frames_to_telephony, frames_dropped, interruptions,
	started_at, streaming_at, ended_at`

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			conversation_id = EXCLUDED.conversation_id,
			status = EXCLUDED.status,
			end_reason = EXCLUDED.end_reason,
			frames_to_upstream = EXCLUDED.frames_to_upstream,
			frames_to_telephony = EXCLUDED.frames_to_telephony,
			frames_dropped = EXCLUDED.frames_dropped,
			interruptions = EXCLUDED.interruptions,
			streaming_at = EXCLUDED.streaming_at,
			ended_at = EXCLUDED.ended_at`,
		r.ID,
		r.StreamSid,
		r.CallSid,
		r.AgentID,
		r.ElevenLabsAgentID,
		r.ConversationID,
		r.Status,
		r.EndReason,
		r.FramesToUpstream,
		r.FramesToTelephony,
		r.FramesDropped,
		r.Interruptions,
		r.StartedAt,
		nullTime(r.StreamingAt),
		nullTime(r.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM call_records WHERE id=$1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get call record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM call_records ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r                    Record
		streamingAt, endedAt *time.Time
	)
	err := row.Scan(
		&r.ID,
		&r.StreamSid,
		&r.CallSid,
		&r.AgentID,
		&r.ElevenLabsAgentID,
		&r.ConversationID,
		&r.Status,
		&r.EndReason,
		&r.FramesToUpstream,
		&r.FramesToTelephony,
		&r.FramesDropped,
		&r.Interruptions,
		&r.StartedAt,
		&streamingAt,
		&endedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if streamingAt != nil {
		r.StreamingAt = streamingAt.UTC()
	}
	if endedAt != nil {
		r.EndedAt = endedAt.UTC()
	}
	return r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
