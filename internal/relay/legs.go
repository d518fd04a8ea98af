package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/upstream"
)

// Websocket close codes used when tearing down the telephony leg.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// TelephonyLeg is the caller-side socket. ReadMessage must start failing
// once Close has been called. Only the session's event loop writes.
type TelephonyLeg interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// UpstreamLeg is an open conversational agent socket. Err reports why
// Messages was closed and is nil when the agent hung up cleanly.
type UpstreamLeg interface {
	Messages() <-chan protocol.UpstreamMessage
	SendAudio(chunk string) error
	SendPong(eventID json.RawMessage) error
	Err() error
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, creds upstream.Credentials, override upstream.Override) (UpstreamLeg, error)
}

type ConnectorFunc func(ctx context.Context, creds upstream.Credentials, override upstream.Override) (UpstreamLeg, error)

func (f ConnectorFunc) Connect(ctx context.Context, creds upstream.Credentials, override upstream.Override) (UpstreamLeg, error) {
	return f(ctx, creds, override)
}

// NewUpstreamConnector adapts an upstream.Client to Connector.
func NewUpstreamConnector(c *upstream.Client) Connector {
	return ConnectorFunc(func(ctx context.Context, creds upstream.Credentials, override upstream.Override) (UpstreamLeg, error) {
		conn, err := c.Connect(ctx, creds, override)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Summary describes one call once it has ended.
type Summary struct {
	SessionID         string
	StreamSid         string
	CallSid           string
	AgentID           string
	ElevenLabsAgentID string
	VoiceID           string
	Language          string
	ConversationID    string
	StartedAt         time.Time
	StreamingAt       time.Time
	EndedAt           time.Time
	EndReason         string
	FramesToUpstream  int
	FramesToTelephony int
	FramesDropped     int
	Interruptions     int
}

// Recorder persists call lifecycle. Calls for one session are made
// sequentially from a background goroutine.
type Recorder interface {
	CallStreaming(ctx context.Context, s Summary) error
	CallEnded(ctx context.Context, s Summary) error
}

// Recorders fans out to every non-nil recorder and returns the first error.
type Recorders []Recorder

func (rs Recorders) CallStreaming(ctx context.Context, s Summary) error {
	var first error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.CallStreaming(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (rs Recorders) CallEnded(ctx context.Context, s Summary) error {
	var first error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.CallEnded(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
