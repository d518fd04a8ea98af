package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/reliability"
)

const (
	keyPrefix     = "callrelay:session:"
	EventsChannel = "callrelay:events"
	DefaultTTL    = time.Hour

	pingAttempts = 3
	pingBackoff  = 200 * time.Millisecond
	pingMaxWait  = 2 * time.Second
)

type Config struct {
	Addr       string
	Password   string
	DB         int
	InstanceID string
	TTL        time.Duration
}

// kv is the subset of *redis.Client the monitor uses.
type kv interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Entry is the value stored for each live call.
type Entry struct {
	SessionID         string    `json:"session_id"`
	InstanceID        string    `json:"instance_id"`
	StreamSid         string    `json:"stream_sid"`
	CallSid           string    `json:"call_sid"`
	AgentID           string    `json:"agent_id"`
	ElevenLabsAgentID string    `json:"elevenlabs_agent_id"`
	StartedAt         time.Time `json:"started_at"`
	StreamingAt       time.Time `json:"streaming_at"`
}

// Event is published on EventsChannel for every lifecycle change.
type Event struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
	CallSid    string `json:"call_sid"`
	SessionID  string `json:"session_id"`
	Reason     string `json:"reason,omitempty"`
}

// Monitor mirrors live calls into Redis so other instances and operators
// can see them. A nil or disabled Monitor is a no-op.
type Monitor struct {
	client     kv
	instanceID string
	ttl        time.Duration
	logger     *zap.Logger
}

// New connects to Redis. An empty Addr returns a disabled monitor.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &Monitor{logger: logger}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	var err error
	for attempt := 0; attempt < pingAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, pingBackoff, pingMaxWait)
			select {
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = client.Ping(pingCtx).Result()
		cancel()
		if err == nil {
			break
		}
		logger.Warn("redis ping failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newWithClient(client, cfg, logger), nil
}

func newWithClient(client kv, cfg Config, logger *zap.Logger) *Monitor {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{client: client, instanceID: cfg.InstanceID, ttl: ttl, logger: logger}
}

func (m *Monitor) Enabled() bool { return m != nil && m.client != nil }

// Key returns the Redis key for a call.
func Key(callSid string) string { return keyPrefix + callSid }

func (m *Monitor) CallStreaming(ctx context.Context, s relay.Summary) error {
	if !m.Enabled() || s.CallSid == "" {
		return nil
	}
	data, err := json.Marshal(Entry{
		SessionID:         s.SessionID,
		InstanceID:        m.instanceID,
		StreamSid:         s.StreamSid,
		CallSid:           s.CallSid,
		AgentID:           s.AgentID,
		ElevenLabsAgentID: s.ElevenLabsAgentID,
		StartedAt:         s.StartedAt,
		StreamingAt:       s.StreamingAt,
	})
	if err != nil {
		return err
	}
	if err := m.client.Set(ctx, Key(s.CallSid), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("set session key: %w", err)
	}
	m.publish(ctx, Event{Type: "streaming", InstanceID: m.instanceID, CallSid: s.CallSid, SessionID: s.SessionID})
	return nil
}

func (m *Monitor) CallEnded(ctx context.Context, s relay.Summary) error {
	if !m.Enabled() || s.CallSid == "" {
		return nil
	}
	if err := m.client.Del(ctx, Key(s.CallSid)).Err(); err != nil {
		return fmt.Errorf("delete session key: %w", err)
	}
	m.publish(ctx, Event{Type: "ended", InstanceID: m.instanceID, CallSid: s.CallSid, SessionID: s.SessionID, Reason: s.EndReason})
	return nil
}

// publish is best effort; subscribers are optional.
func (m *Monitor) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		m.logger.Debug("publish call event failed", zap.Error(err))
	}
}

func (m *Monitor) Close() error {
	if !m.Enabled() {
		return nil
	}
	return m.client.Close()
}
