package callstore

import (
	"context"

	"github.com/ent0n29/callrelay/internal/relay"
)

// Recorder persists relay session lifecycle events.
type Recorder struct {
	Store Store
}

func (r Recorder) CallStreaming(ctx context.Context, s relay.Summary) error {
	return r.Store.Save(ctx, FromSummary(s, StatusStreaming))
}

func (r Recorder) CallEnded(ctx context.Context, s relay.Summary) error {
	return r.Store.Save(ctx, FromSummary(s, StatusEnded))
}

func FromSummary(s relay.Summary, status string) Record {
	return Record{
		ID:                s.SessionID,
		StreamSid:         s.StreamSid,
		CallSid:           s.CallSid,
		AgentID:           s.AgentID,
		ElevenLabsAgentID: s.ElevenLabsAgentID,
		ConversationID:    s.ConversationID,
		Status:            status,
		EndReason:         s.EndReason,
		FramesToUpstream:  s.FramesToUpstream,
		FramesToTelephony: s.FramesToTelephony,
		FramesDropped:     s.FramesDropped,
		Interruptions:     s.Interruptions,
		StartedAt:         s.StartedAt,
		StreamingAt:       s.StreamingAt,
		EndedAt:           s.EndedAt,
	}
}
