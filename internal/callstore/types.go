package callstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("call record not found")

// Record is the persisted summary of one relayed call. Audio and
// transcripts are never stored.
type Record struct {
	ID                string    `json:"id"`
	StreamSid         string    `json:"stream_sid"`
	CallSid           string    `json:"call_sid"`
	AgentID           string    `json:"agent_id"`
	ElevenLabsAgentID string    `json:"elevenlabs_agent_id"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	Status            string    `json:"status"`
	EndReason         string    `json:"end_reason,omitempty"`
	FramesToUpstream  int       `json:"frames_to_upstream"`
	FramesToTelephony int       `json:"frames_to_telephony"`
	FramesDropped     int       `json:"frames_dropped"`
	Interruptions     int       `json:"interruptions"`
	StartedAt         time.Time `json:"started_at"`
	StreamingAt       time.Time `json:"streaming_at,omitempty"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
}

const (
	StatusStreaming = "streaming"
	StatusEnded     = "ended"
)

// Store persists call records. Save upserts by ID.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
