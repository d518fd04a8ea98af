// Package relay runs one phone call: it bridges the telephony media stream
// and the conversational agent socket through a single event loop that
// owns all session state.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/upstream"
)

type State int32

const (
	StateAwaitingStart State = iota
	StateConnectingUpstream
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateConnectingUpstream:
		return "connecting_upstream"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// End reasons recorded on the call summary.
const (
	ReasonTelephonyStop    = "telephony_stop"
	ReasonTelephonyClosed  = "telephony_closed"
	ReasonTelephonyWrite   = "telephony_write_failed"
	ReasonUpstreamClosed   = "upstream_closed"
	ReasonUpstreamError    = "upstream_error"
	ReasonUpstreamWrite    = "upstream_write_failed"
	ReasonUpstreamConnect  = "upstream_connect_failed"
	ReasonShutdown         = "shutdown"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	recorderTimeout          = 5 * time.Second
	telephonyFrameBufferSize = 64
)

var errPanic = errors.New("session goroutine panicked")

type Options struct {
	Connector      Connector
	Defaults       Defaults
	InputFormat    audio.Format
	OutputFormat   audio.Format
	ConnectTimeout time.Duration
	Metrics        *observability.Metrics
	Recorder       Recorder
	Logger         *zap.Logger
	// OnStateChange is called from the event loop after every transition.
	OnStateChange func(State)
}

type Session struct {
	id    string
	tel   TelephonyLeg
	opts  Options
	log   *zap.Logger
	state atomic.Int32

	closeOnce   sync.Once
	closeReq    chan struct{}
	closeReason atomic.Value

	// Owned by the event loop.
	up            UpstreamLeg
	upMsgs        <-chan protocol.UpstreamMessage
	connectCh     chan connectResult
	cancelConnect context.CancelFunc
	params        *SessionParams
	summary       Summary
	sawAudio      bool
	records       chan func(context.Context)
}

type connectResult struct {
	leg UpstreamLeg
	err error
}

type telephonyFrame struct {
	data []byte
	err  error
}

func NewSession(tel TelephonyLeg, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InputFormat == "" {
		opts.InputFormat = audio.FormatPCM8000
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = audio.FormatULaw8000
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		tel:      tel,
		opts:     opts,
		log:      opts.Logger.With(zap.String("session_id", id)),
		closeReq: make(chan struct{}),
		summary:  Summary{SessionID: id, StartedAt: time.Now().UTC()},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Summary is only stable once Run has returned.
func (s *Session) Summary() Summary { return s.summary }

// Close asks the session to tear down both legs. Safe to call from any
// goroutine and any number of times.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		close(s.closeReq)
	})
}

// Run drives the session until both legs are closed.
func (s *Session) Run(ctx context.Context) {
	s.opts.Metrics.ObserveSessionEvent("accepted")
	s.opts.Metrics.ObserveState(StateAwaitingStart.String())

	s.records = make(chan func(context.Context), 8)
	recorderDone := make(chan struct{})
	go s.runRecorder(recorderDone)

	frames := make(chan telephonyFrame, telephonyFrameBufferSize)
	go s.readTelephony(frames)

	closeReq := s.closeReq
	done := ctx.Done()
	telDone := false

	for !(s.State() == StateClosing && telDone && s.connectCh == nil) {
		select {
		case f := <-frames:
			if f.err != nil {
				telDone = true
				reason := ReasonTelephonyClosed
				if r, ok := s.closeReason.Load().(string); ok && r != "" {
					reason = r
				}
				s.beginClose(reason, CloseNormal, false)
				continue
			}
			if s.State() >= StateClosing {
				continue
			}
			s.handleTelephony(ctx, f.data)
		case res := <-s.connectCh:
			s.connectCh = nil
			s.cancelConnect = nil
			s.handleConnect(res)
		case msg, ok := <-s.upMsgs:
			if !ok {
				s.upMsgs = nil
				if err := s.up.Err(); err != nil {
					s.opts.Metrics.ObserveUpstreamError("transport")
					s.log.Warn("upstream connection failed", zap.Error(err))
					s.beginClose(ReasonUpstreamError, CloseInternalError, true)
					continue
				}
				s.beginClose(ReasonUpstreamClosed, CloseNormal, true)
				continue
			}
			s.handleUpstream(msg)
		case <-closeReq:
			closeReq = nil
			reason, _ := s.closeReason.Load().(string)
			if reason == "" {
				reason = ReasonShutdown
			}
			s.beginClose(reason, CloseGoingAway, false)
		case <-done:
			done = nil
			s.beginClose(ReasonShutdown, CloseGoingAway, false)
		}
	}

	s.summary.EndedAt = time.Now().UTC()
	s.setState(StateClosed)
	s.opts.Metrics.ObserveSessionEvent("closed")
	s.opts.Metrics.ObserveCall(observability.CallOutcome{
		EndReason:         s.summary.EndReason,
		Streamed:          !s.summary.StreamingAt.IsZero(),
		Duration:          s.summary.EndedAt.Sub(s.summary.StartedAt),
		FramesToUpstream:  s.summary.FramesToUpstream,
		FramesToTelephony: s.summary.FramesToTelephony,
		FramesDropped:     s.summary.FramesDropped,
		Interruptions:     s.summary.Interruptions,
	})

	summary := s.summary
	if s.params != nil && s.opts.Recorder != nil {
		s.records <- func(ctx context.Context) {
			if err := s.opts.Recorder.CallEnded(ctx, summary); err != nil {
				s.log.Warn("record call end failed", zap.Error(err))
			}
		}
	}
	close(s.records)
	<-recorderDone

	s.log.Info("call session closed",
		zap.String("reason", summary.EndReason),
		zap.Int("frames_to_upstream", summary.FramesToUpstream),
		zap.Int("frames_to_telephony", summary.FramesToTelephony),
		zap.Int("frames_dropped", summary.FramesDropped),
		zap.Int("interruptions", summary.Interruptions),
	)
}

func (s *Session) readTelephony(out chan<- telephonyFrame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("telephony reader panic", zap.Any("panic", r), zap.Stack("stack"))
			out <- telephonyFrame{err: fmt.Errorf("%w: %v", errPanic, r)}
		}
	}()
	for {
		data, err := s.tel.ReadMessage()
		out <- telephonyFrame{data: data, err: err}
		if err != nil {
			return
		}
	}
}

func (s *Session) runRecorder(done chan<- struct{}) {
	defer close(done)
	for fn := range s.records {
		s.runRecord(fn)
	}
}

func (s *Session) runRecord(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("call recorder panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn(ctx)
}

func (s *Session) handleTelephony(ctx context.Context, data []byte) {
	ev, err := protocol.ParseTelephonyEvent(data)
	if err != nil {
		s.drop("invalid_telephony_frame")
		s.log.Warn("dropping malformed telephony frame", zap.Error(err))
		return
	}

	switch e := ev.(type) {
	case protocol.Start:
		s.handleStart(ctx, e)
	case protocol.Media:
		s.handleMedia(e)
	case protocol.Stop:
		s.log.Info("telephony stream stopped")
		s.beginClose(ReasonTelephonyStop, CloseNormal, false)
	case protocol.Connected:
		s.log.Debug("telephony connected", zap.String("protocol", e.Protocol), zap.String("version", e.Version))
	case protocol.Mark:
		s.log.Debug("telephony mark", zap.String("name", e.Name))
	case protocol.DTMF:
		s.log.Debug("telephony dtmf", zap.String("digit", e.Digit))
	default:
		s.log.Debug("ignoring telephony event", zap.String("event", string(ev.EventName())))
	}
}

func (s *Session) handleStart(ctx context.Context, e protocol.Start) {
	if s.State() != StateAwaitingStart {
		s.log.Warn("ignoring repeated start event", zap.String("state", s.State().String()))
		return
	}
	if e.StreamSid == "" || e.CallSid == "" {
		s.opts.Metrics.ObserveSessionEvent("invalid_start")
		s.log.Warn("start event without stream or call id",
			zap.String("stream_sid", e.StreamSid),
			zap.String("call_sid", e.CallSid),
		)
		return
	}
	if s.summary.StreamSid == "" {
		s.summary.StreamSid = e.StreamSid
		s.summary.CallSid = e.CallSid
		s.log = s.log.With(zap.String("stream_sid", e.StreamSid), zap.String("call_sid", e.CallSid))
	}
	s.log.Info("telephony stream started", zap.Any("parameters", policy.RedactParams(e.CustomParameters)))

	params, err := ValidateParams(e.CustomParameters, s.opts.Defaults)
	if err != nil {
		s.opts.Metrics.ObserveSessionEvent("invalid_params")
		s.log.Warn("start parameters rejected", zap.Error(err))
		return
	}
	s.params = &params
	s.summary.AgentID = params.AgentID
	s.summary.ElevenLabsAgentID = params.ElevenLabsAgentID
	s.summary.VoiceID = params.VoiceID
	s.summary.Language = params.Language
	s.setState(StateConnectingUpstream)

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	s.cancelConnect = cancel
	s.connectCh = make(chan connectResult, 1)
	go func(ch chan<- connectResult) {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("upstream connect panic", zap.Any("panic", r), zap.Stack("stack"))
				ch <- connectResult{err: fmt.Errorf("%w: %v", errPanic, r)}
			}
		}()
		leg, err := s.connect(connectCtx, params)
		ch <- connectResult{leg: leg, err: err}
	}(s.connectCh)
}

func (s *Session) connect(ctx context.Context, p SessionParams) (UpstreamLeg, error) {
	if s.opts.Connector == nil {
		return nil, &upstream.Error{Kind: upstream.KindProtocol, Op: "connect", Err: errors.New("no upstream connector configured")}
	}
	return s.opts.Connector.Connect(ctx, p.Credentials(), p.Override())
}

func (s *Session) handleConnect(res connectResult) {
	if res.err != nil {
		kind := upstream.KindOf(res.err)
		if kind == "" {
			kind = upstream.KindNetwork
		}
		s.opts.Metrics.ObserveUpstreamError(string(kind))
		if s.State() == StateConnectingUpstream {
			s.log.Error("upstream connect failed", zap.String("kind", string(kind)), zap.Error(res.err))
			s.beginClose(ReasonUpstreamConnect, CloseInternalError, true)
		}
		return
	}
	if s.State() != StateConnectingUpstream {
		// session began closing while the dial was in flight
		_ = res.leg.Close()
		return
	}

	s.up = res.leg
	s.upMsgs = res.leg.Messages()
	s.summary.StreamingAt = time.Now().UTC()
	s.setState(StateStreaming)
	s.opts.Metrics.ObserveStage("start_to_streaming", s.summary.StreamingAt.Sub(s.summary.StartedAt))
	s.log.Info("upstream connected", zap.String("elevenlabs_agent_id", s.params.ElevenLabsAgentID))

	if s.opts.Recorder != nil {
		summary := s.summary
		s.records <- func(ctx context.Context) {
			if err := s.opts.Recorder.CallStreaming(ctx, summary); err != nil {
				s.log.Warn("record call start failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) handleMedia(e protocol.Media) {
	switch s.State() {
	case StateAwaitingStart:
		s.drop("before_start")
		return
	case StateConnectingUpstream:
		s.drop("connecting")
		return
	case StateStreaming:
	default:
		s.drop("closing")
		return
	}

	chunk, err := audio.TelephonyToUpstream(e.Payload, s.opts.InputFormat)
	if err != nil {
		s.drop("codec")
		s.log.Debug("dropping undecodable media frame", zap.Error(err))
		return
	}
	if err := s.up.SendAudio(chunk); err != nil {
		s.log.Warn("upstream audio write failed", zap.Error(err))
		s.beginClose(ReasonUpstreamWrite, CloseInternalError, true)
		return
	}
	s.summary.FramesToUpstream++
	s.opts.Metrics.ObserveForwarded("to_upstream", string(protocol.EventMedia))
}

func (s *Session) handleUpstream(msg protocol.UpstreamMessage) {
	switch m := msg.(type) {
	case protocol.Audio:
		if s.summary.StreamSid == "" {
			s.drop("no_stream_sid")
			s.log.Warn("agent audio before stream id is known")
			return
		}
		payload, err := audio.UpstreamToTelephony(m.Chunk, s.opts.OutputFormat)
		if err != nil {
			s.drop("codec")
			s.log.Debug("dropping undecodable agent audio", zap.Error(err))
			return
		}
		if !s.sawAudio {
			s.sawAudio = true
			s.opts.Metrics.ObserveStage("first_upstream_audio", time.Since(s.summary.StreamingAt))
		}
		if s.writeTelephony(protocol.NewOutboundMedia(s.summary.StreamSid, payload)) {
			s.summary.FramesToTelephony++
			s.opts.Metrics.ObserveForwarded("to_telephony", string(protocol.EventMedia))
		}
	case protocol.Interruption:
		if s.summary.StreamSid == "" {
			return
		}
		s.summary.Interruptions++
		if s.writeTelephony(protocol.NewClear(s.summary.StreamSid)) {
			s.opts.Metrics.ObserveForwarded("to_telephony", string(protocol.EventClear))
		}
	case protocol.Ping:
		if !m.HasEventID() {
			s.log.Debug("ignoring ping without event id")
			return
		}
		if err := s.up.SendPong(m.EventID); err != nil {
			s.log.Warn("upstream pong write failed", zap.Error(err))
			s.beginClose(ReasonUpstreamWrite, CloseInternalError, true)
			return
		}
		s.opts.Metrics.ObserveForwarded("to_upstream", string(protocol.TypePong))
	case protocol.InitiationMetadata:
		s.summary.ConversationID = m.ConversationID
		s.log.Info("conversation initiated",
			zap.String("conversation_id", m.ConversationID),
			zap.String("agent_output_format", m.AgentOutputAudioFormat),
			zap.String("user_input_format", m.UserInputAudioFormat),
		)
	case protocol.AgentResponse:
		text, _ := policy.RedactPII(m.Text)
		s.log.Info("agent response", zap.String("text", text))
	case protocol.UserTranscript:
		text, _ := policy.RedactPII(m.Text)
		s.log.Info("user transcript", zap.String("text", text))
	default:
		s.log.Debug("ignoring upstream message", zap.String("type", string(msg.MessageType())))
	}
}

// writeTelephony reports whether the frame was written.
func (s *Session) writeTelephony(v any) bool {
	if err := s.tel.WriteJSON(v); err != nil {
		s.log.Warn("telephony write failed", zap.Error(err))
		s.beginClose(ReasonTelephonyWrite, CloseInternalError, false)
		return false
	}
	return true
}

// beginClose moves the session to CLOSING and closes whatever legs are
// open. Subsequent calls are no-ops. notifyStop sends a stop event to the
// telephony side first, used when the agent side ended the call.
func (s *Session) beginClose(reason string, code int, notifyStop bool) {
	if s.State() >= StateClosing {
		return
	}
	s.summary.EndReason = reason
	s.setState(StateClosing)
	s.log.Info("closing call session", zap.String("reason", reason))

	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	if s.up != nil {
		_ = s.up.Close()
		s.upMsgs = nil
	}
	if notifyStop && s.summary.StreamSid != "" {
		_ = s.tel.WriteJSON(protocol.NewStopStream(s.summary.StreamSid))
	}
	_ = s.tel.Close(code, reason)
}

func (s *Session) drop(reason string) {
	s.summary.FramesDropped++
	s.opts.Metrics.ObserveDropped(reason)
}

func (s *Session) setState(next State) {
	s.state.Store(int32(next))
	s.opts.Metrics.ObserveState(next.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(next)
	}
}
