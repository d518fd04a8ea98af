package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Conn is an open agent websocket. Writes are serialized; Messages is
// closed once the read loop ends.
type Conn struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	messages  chan protocol.UpstreamMessage

	errMu sync.Mutex
	err   error
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	ws.SetReadLimit(4 << 20)
	return &Conn{
		conn:     ws,
		logger:   logger,
		done:     make(chan struct{}),
		messages: make(chan protocol.UpstreamMessage, 256),
	}
}

func (c *Conn) Messages() <-chan protocol.UpstreamMessage { return c.messages }

// SendAudio forwards one base64 audio chunk to the agent.
func (c *Conn) SendAudio(chunk string) error {
	return c.writeJSON(protocol.UserAudioChunk{UserAudioChunk: chunk})
}

func (c *Conn) SendPong(eventID json.RawMessage) error {
	return c.writeJSON(protocol.NewPong(eventID))
}

// Err returns the error that ended the read loop, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *Conn) writeJSON(v any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("upstream read loop panic", zap.Any("panic", r), zap.Stack("stack"))
			c.setErr(fmt.Errorf("read loop panic: %v", r))
			_ = c.Close()
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			_ = c.Close()
			return
		}
		msg, err := protocol.ParseUpstreamMessage(data)
		if err != nil {
			c.logger.Debug("dropping malformed upstream frame", zap.Error(err))
			continue
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	select {
	case <-c.done:
		// closed locally, the read error is expected
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = errors.Join(ErrClosed, err)
	}
}
