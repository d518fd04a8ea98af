package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/upstream"
)

var errLegClosed = errors.New("leg closed")

type fakeTelephony struct {
	in     chan []byte
	out    chan map[string]any
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	closeCode int
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		in:     make(chan []byte, 64),
		out:    make(chan map[string]any, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTelephony) ReadMessage() ([]byte, error) {
	select {
	case <-f.closed:
		return nil, errLegClosed
	default:
	}
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, errLegClosed
	}
}

func (f *fakeTelephony) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return errLegClosed
	default:
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.out <- m
	return nil
}

func (f *fakeTelephony) Close(code int, _ string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTelephony) send(raw string) { f.in <- []byte(raw) }

func (f *fakeTelephony) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTelephony) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTelephony) drain() []map[string]any {
	var frames []map[string]any
	for {
		select {
		case m := <-f.out:
			frames = append(frames, m)
		default:
			return frames
		}
	}
}

type fakeUpstream struct {
	msgs      chan protocol.UpstreamMessage
	sent      chan map[string]any
	closed    chan struct{}
	closeOnce sync.Once
	msgsOnce  sync.Once
	closes    atomic.Int32

	errMu sync.Mutex
	err   error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		msgs:   make(chan protocol.UpstreamMessage, 64),
		sent:   make(chan map[string]any, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeUpstream) Messages() <-chan protocol.UpstreamMessage { return f.msgs }

func (f *fakeUpstream) SendAudio(chunk string) error {
	return f.record(map[string]any{"user_audio_chunk": chunk})
}

func (f *fakeUpstream) SendPong(eventID json.RawMessage) error {
	return f.record(map[string]any{"type": "pong", "event_id": string(eventID)})
}

func (f *fakeUpstream) record(m map[string]any) error {
	select {
	case <-f.closed:
		return errLegClosed
	default:
	}
	f.sent <- m
	return nil
}

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	f.remoteClose()
	return nil
}

func (f *fakeUpstream) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// fail simulates the agent connection dropping with err.
func (f *fakeUpstream) fail(err error) {
	f.errMu.Lock()
	f.err = err
	f.errMu.Unlock()
	f.remoteClose()
}

// remoteClose simulates the agent hanging up.
func (f *fakeUpstream) remoteClose() {
	f.msgsOnce.Do(func() { close(f.msgs) })
}

func (f *fakeUpstream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeUpstream) drain() []map[string]any {
	var frames []map[string]any
	for {
		select {
		case m := <-f.sent:
			frames = append(frames, m)
		default:
			return frames
		}
	}
}

type fakeConnector struct {
	leg       *fakeUpstream
	err       error
	release   chan struct{}
	ignoreCtx bool

	calls atomic.Int32
	mu    sync.Mutex
	creds upstream.Credentials
	over  upstream.Override
}

func (c *fakeConnector) Connect(ctx context.Context, creds upstream.Credentials, override upstream.Override) (UpstreamLeg, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.creds = creds
	c.over = override
	c.mu.Unlock()
	if c.release != nil && c.ignoreCtx {
		<-c.release
	} else if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, &upstream.Error{Kind: upstream.KindNetwork, Op: "dial", Err: ctx.Err()}
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.leg, nil
}

type harness struct {
	t       *testing.T
	tel     *fakeTelephony
	up      *fakeUpstream
	conn    *fakeConnector
	session *Session
	states  chan State
	done    chan struct{}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		tel:    newFakeTelephony(),
		up:     newFakeUpstream(),
		states: make(chan State, 32),
		done:   make(chan struct{}),
	}
	h.conn = &fakeConnector{leg: h.up}
	opts := Options{
		Connector: h.conn,
		Defaults:  Defaults{APIKey: "env-key"},
		OnStateChange: func(s State) {
			h.states <- s
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.session = NewSession(h.tel, opts)
	go func() {
		defer close(h.done)
		h.session.Run(context.Background())
	}()
	return h
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for state %s (current %s)", want, h.session.State())
		}
	}
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("session did not finish (state %s)", h.session.State())
	}
}

func (h *harness) nextUpstream() map[string]any {
	h.t.Helper()
	select {
	case m := <-h.up.sent:
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for upstream frame")
		return nil
	}
}

func (h *harness) nextTelephony() map[string]any {
	h.t.Helper()
	select {
	case m := <-h.tel.out:
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for telephony frame")
		return nil
	}
}

const validStart = `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"agentId":"A1","elevenLabsAgentId":"E1"}}}`
