package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callrelay/internal/callstore"
	"github.com/ent0n29/callrelay/internal/registry"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/upstream"
)

// agentServer stands in for the conversational agent API: it issues a
// signed URL and accepts the agent websocket.
type agentServer struct {
	server   *httptest.Server
	received chan map[string]any
	toClient chan string
}

func newAgentServer(t *testing.T) *agentServer {
	t.Helper()
	a := &agentServer{
		received: make(chan map[string]any, 32),
		toClient: make(chan string, 32),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/convai/conversation/get_signed_url", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "xi-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/convai?agent=" + r.URL.Query().Get("agent_id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"signed_url": wsURL})
	})
	mux.HandleFunc("/convai", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case msg := <-a.toClient:
					if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
						return
					}
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err == nil {
				a.received <- m
			}
		}
	})
	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)
	return a
}

func (a *agentServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-a.received:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("agent received nothing")
		return nil
	}
}

func dialMedia(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/outbound-media-stream"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, res.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readTelephony(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

const startFrame = `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"agentId":"A1","elevenLabsAgentId":"E1"}}}`

func TestMediaStreamRelaysEndToEnd(t *testing.T) {
	agent := newAgentServer(t)
	store := callstore.NewInMemoryStore()
	client := upstream.NewClient(upstream.Config{APIBaseURL: agent.server.URL}, nil)
	srv, ts := newTestServer(t, testConfig(), Deps{
		Connector: relay.NewUpstreamConnector(client),
		Recorder:  callstore.Recorder{Store: store},
		Calls:     store,
	})

	conn := dialMedia(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(startFrame)))

	initMsg := agent.next(t)
	assert.Equal(t, "conversation_initiation_client_data", initMsg["type"])

	agent.toClient <- `{"type":"audio","audio_event":{"audio_base_64":"BBBB","event_id":1}}`
	media := readTelephony(t, conn)
	assert.Equal(t, "media", media["event"])
	assert.Equal(t, "MZ1", media["streamSid"])
	assert.Equal(t, map[string]any{"payload": "BBBB"}, media["media"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA"}}`)))
	assert.Equal(t, "IsAiwCLA", agent.next(t)["user_audio_chunk"])

	agent.toClient <- `{"type":"ping","ping_event":{"event_id":7}}`
	pong := agent.next(t)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, float64(7), pong["event_id"])

	agent.toClient <- `{"type":"interruption","interruption_event":{"event_id":8}}`
	assert.Equal(t, map[string]any{"event": "clear", "streamSid": "MZ1"}, readTelephony(t, conn))

	assert.Equal(t, 1, srv.ActiveCalls())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","streamSid":"MZ1"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)

	require.Eventually(t, func() bool {
		recs, err := store.Recent(context.Background(), 10)
		return err == nil && len(recs) == 1 && recs[0].Status == callstore.StatusEnded
	}, 3*time.Second, 20*time.Millisecond)
	recs, _ := store.Recent(context.Background(), 1)
	assert.Equal(t, "CA1", recs[0].CallSid)
	assert.Equal(t, relay.ReasonTelephonyStop, recs[0].EndReason)
	assert.Equal(t, 1, recs[0].Interruptions)
	assert.Eventually(t, func() bool { return srv.ActiveCalls() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestMediaStreamUpstreamAuthFailureClosesCall(t *testing.T) {
	agent := newAgentServer(t)
	client := upstream.NewClient(upstream.Config{APIBaseURL: agent.server.URL}, nil)
	cfg := testConfig()
	cfg.ElevenLabsAPIKey = "wrong"
	_, ts := newTestServer(t, cfg, Deps{Connector: relay.NewUpstreamConnector(client)})

	conn := dialMedia(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(startFrame)))

	assert.Equal(t, map[string]any{"event": "stop", "streamSid": "MZ1"}, readTelephony(t, conn))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "unexpected close: %v", err)
}

func TestMediaStreamCapacityLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentCalls = 1
	_, ts := newTestServer(t, cfg, Deps{})

	dialMedia(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/outbound-media-stream"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestHeartbeatPrunesSilentSocket(t *testing.T) {
	reg := registry.New(time.Minute)
	srv, ts := newTestServer(t, testConfig(), Deps{Registry: reg})

	conn := dialMedia(t, ts)
	require.Eventually(t, func() bool { return reg.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The client never reads, so the ping goes unanswered.
	assert.Equal(t, 0, reg.Sweep())
	assert.Equal(t, 1, reg.Sweep())

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected close: %v", err)
	assert.Eventually(t, func() bool { return srv.ActiveCalls() == 0 && reg.Count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestHeartbeatKeepsResponsiveSocket(t *testing.T) {
	reg := registry.New(time.Minute)
	_, ts := newTestServer(t, testConfig(), Deps{Registry: reg})

	conn := dialMedia(t, ts)
	go func() {
		// Reading lets the default ping handler answer with a pong.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return reg.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, reg.Sweep())
		require.Eventually(t, func() bool {
			snap := reg.Snapshot()
			return len(snap) == 1 && snap[0].Alive
		}, 2*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, 1, reg.Count())
}
