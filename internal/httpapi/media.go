package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/relay"
)

const (
	mediaReadLimit    = 1 << 20
	mediaWriteTimeout = 10 * time.Second
	controlTimeout    = time.Second
)

// wsLeg is the telephony side of a call on a gorilla websocket. Reads
// happen only on the session's reader goroutine and writes only from the
// session loop; control frames may come from any goroutine.
type wsLeg struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSLeg(conn *websocket.Conn) *wsLeg {
	conn.SetReadLimit(mediaReadLimit)
	return &wsLeg{conn: conn}
}

func (l *wsLeg) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (l *wsLeg) WriteJSON(v any) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(mediaWriteTimeout))
	return l.conn.WriteJSON(v)
}

func (l *wsLeg) Close(code int, reason string) error {
	var err error
	l.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
		err = l.conn.Close()
	})
	return err
}

func (l *wsLeg) ping() error {
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTimeout))
}

// heartbeatConn is what the registry sees for one call.
type heartbeatConn struct {
	leg     *wsLeg
	session *relay.Session
}

func (h heartbeatConn) Ping() error { return h.leg.ping() }

func (h heartbeatConn) Close() error {
	h.session.Close(relay.ReasonHeartbeatTimeout)
	return h.leg.Close(relay.CloseGoingAway, relay.ReasonHeartbeatTimeout)
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusUpgradeRequired, "upgrade_required", "websocket upgrade required")
		return
	}
	if !s.admitSession() {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	n := s.active.Add(1)
	if limit := s.cfg.MaxConcurrentCalls; limit > 0 && n > int64(limit) {
		s.active.Add(-1)
		s.sessions.Done()
		s.metrics.ObserveSessionEvent("rejected_capacity")
		respondError(w, http.StatusServiceUnavailable, "at_capacity", "too many concurrent calls")
		return
	}
	defer func() {
		s.active.Add(-1)
		s.metrics.SetActiveCalls(s.ActiveCalls())
		s.sessions.Done()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.ObserveSessionEvent("upgrade_failed")
		s.logger.Warn("media stream upgrade failed", zap.Error(err))
		return
	}
	s.metrics.SetActiveCalls(s.ActiveCalls())

	leg := newWSLeg(conn)
	sess := relay.NewSession(leg, relay.Options{
		Connector:      s.connector,
		Defaults:       s.defaults,
		InputFormat:    s.cfg.UpstreamInputFormat,
		OutputFormat:   s.cfg.UpstreamOutputFormat,
		ConnectTimeout: s.cfg.UpstreamConnectTimeout,
		Metrics:        s.metrics,
		Recorder:       s.recorder,
		Logger:         s.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	})

	socketID := s.registry.Register(heartbeatConn{leg: leg, session: sess})
	conn.SetPongHandler(func(string) error {
		_ = s.registry.MarkAlive(socketID)
		return nil
	})
	s.metrics.SetTrackedSockets(s.registry.Count())
	s.logger.Info("telephony socket connected",
		zap.String("session_id", sess.ID()),
		zap.String("socket_id", socketID),
	)

	sess.Run(s.baseCtx)

	s.registry.Unregister(socketID)
	s.metrics.SetTrackedSockets(s.registry.Count())
	_ = leg.Close(relay.CloseNormal, "")
}
