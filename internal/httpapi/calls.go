package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/callstore"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/telephony"
)

// handleOutboundCallTwiML is fetched by Twilio when a placed call is
// answered. It tells Twilio to stream the call audio back to this server.
func (s *Server) handleOutboundCallTwiML(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if r.Method == http.MethodPost {
		// Twilio may POST the webhook with the query string intact.
		if err := r.ParseForm(); err == nil {
			for k, vals := range r.PostForm {
				if q.Get(k) == "" && len(vals) > 0 {
					q.Set(k, vals[0])
				}
			}
		}
	}

	params, err := telephony.ParamsFromQuery(q, s.defaults)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	streamURL := telephony.StreamURL(r.Host, s.cfg.MediaStreamPath)
	prompt, _ := policy.RedactPII(params.Prompt)
	s.logger.Info("rendering stream twiml",
		zap.String("stream_url", streamURL),
		zap.String("agent_id", params.AgentID),
		zap.String("elevenlabs_agent_id", params.ElevenLabsAgentID),
		zap.String("prompt", truncate(prompt, 100)),
	)

	body, err := telephony.BuildStreamTwiML(streamURL, params)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	if s.placer == nil {
		respondError(w, http.StatusServiceUnavailable, "calling_unavailable", "outbound calling is not configured")
		return
	}
	var req telephony.OutboundCall
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	placed, err := s.placer.PlaceCall(r.Context(), req)
	switch {
	case errors.Is(err, telephony.ErrInvalidCall):
		s.metrics.ObserveCallPlaced("invalid")
		respondError(w, http.StatusBadRequest, "invalid_call", err.Error())
		return
	case err != nil:
		s.metrics.ObserveCallPlaced("error")
		respondError(w, http.StatusBadGateway, "call_failed", err.Error())
		return
	}
	s.metrics.ObserveCallPlaced("ok")
	respondJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"message":  "Call initiated",
		"call_sid": placed.CallSid,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusServiceUnavailable, "call_store_unavailable", "call store is not configured")
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.calls.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "call_store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusServiceUnavailable, "call_store_unavailable", "call store is not configured")
		return
	}
	rec, err := s.calls.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, callstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "call_store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n] + "..."
}
