package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/callstore"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/registry"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/telephony"
)

// Deps are the collaborators the server wires into each call. Calls and
// Placer are optional.
type Deps struct {
	Registry  *registry.Registry
	Connector relay.Connector
	Recorder  relay.Recorder
	Calls     callstore.Store
	Placer    telephony.CallPlacer
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type Server struct {
	cfg       config.Config
	registry  *registry.Registry
	connector relay.Connector
	recorder  relay.Recorder
	calls     callstore.Store
	placer    telephony.CallPlacer
	metrics   *observability.Metrics
	logger    *zap.Logger
	defaults  relay.Defaults
	upgrader  websocket.Upgrader

	// Sessions run on baseCtx rather than the request context, which is
	// not canceled on shutdown once the connection is hijacked.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	active     atomic.Int64

	// admitMu orders admitSession against Shutdown so no session is
	// added to the group once Wait has started.
	admitMu  sync.Mutex
	sessions sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(cfg.HeartbeatInterval)
	}
	if cfg.MediaStreamPath == "" {
		cfg.MediaStreamPath = "/outbound-media-stream"
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		registry:  deps.Registry,
		connector: deps.Connector,
		recorder:  deps.Recorder,
		calls:     deps.Calls,
		placer:    deps.Placer,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		defaults: relay.Defaults{
			APIKey:       cfg.ElevenLabsAPIKey,
			AgentID:      cfg.ElevenLabsAgentID,
			Prompt:       cfg.DefaultPrompt,
			FirstMessage: cfg.DefaultFirstMessage,
		},
		baseCtx:    baseCtx,
		cancelBase: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Twilio and other non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	s.registry.SetPruneHook(func(id, reason string) {
		s.metrics.ObserveHeartbeatPrune()
		s.metrics.SetTrackedSockets(s.registry.Count())
		s.logger.Info("pruned unresponsive telephony socket", zap.String("socket_id", id), zap.String("reason", reason))
	})
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(s.rejectStrayUpgrades)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/debug", s.handleDebug)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.HandleFunc(telephony.OutboundCallPath, s.handleOutboundCallTwiML)
	r.Post("/v1/calls", s.handlePlaceCall)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)

	r.HandleFunc(s.cfg.MediaStreamPath, s.handleMediaStream)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

// ActiveCalls is the number of media streams currently being relayed.
func (s *Server) ActiveCalls() int { return int(s.active.Load()) }

// Shutdown asks every live session to close and waits for them to finish
// or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.admitMu.Lock()
	s.cancelBase()
	s.admitMu.Unlock()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n := s.registry.CloseAll()
		s.logger.Warn("forced close of telephony sockets", zap.Int("count", n))
		return ctx.Err()
	}
}

// admitSession reserves a slot in the drain group. It reports false once
// Shutdown has begun; callers that get true must call s.sessions.Done.
func (s *Server) admitSession() bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.baseCtx.Err() != nil {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"message": "WebSocket Server is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_calls":    s.ActiveCalls(),
		"tracked_sockets": s.registry.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.baseCtx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"upstream_connector": s.connector != nil,
		"calling_enabled":    s.placer != nil,
		"call_store_enabled": s.calls != nil,
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"message":     "Debug endpoint reached successfully",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"remote_addr": r.RemoteAddr,
		"headers":     policy.RedactHeaders(r.Header),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
