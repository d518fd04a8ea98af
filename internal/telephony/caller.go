package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/relay"
)

var (
	ErrNotConfigured = errors.New("twilio calling is not configured")
	ErrInvalidCall   = errors.New("invalid outbound call")
)

// OutboundCall asks Twilio to dial To and stream the call into the relay.
type OutboundCall struct {
	To                string `json:"to"`
	AgentID           string `json:"agent_id"`
	ElevenLabsAgentID string `json:"elevenlabs_agent_id,omitempty"`
	ElevenLabsAPIKey  string `json:"elevenlabs_api_key,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
	FirstMessage      string `json:"first_message,omitempty"`
	VoiceID           string `json:"voice_id,omitempty"`
	Language          string `json:"language,omitempty"`
}

type PlacedCall struct {
	CallSid  string `json:"call_sid"`
	To       string `json:"to"`
	TwiMLURL string `json:"-"`
}

type CallPlacer interface {
	PlaceCall(ctx context.Context, call OutboundCall) (PlacedCall, error)
}

type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	PublicBaseURL string
}

// callsAPI is the slice of the Twilio REST client used to dial.
type callsAPI interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type TwilioPlacer struct {
	calls   callsAPI
	from    string
	baseURL string
	logger  *zap.Logger
}

func NewTwilioPlacer(cfg TwilioConfig, logger *zap.Logger) (*TwilioPlacer, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, ErrNotConfigured
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("%w: public base url is required", ErrNotConfigured)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioPlacer(client.Api, cfg, logger), nil
}

func newTwilioPlacer(calls callsAPI, cfg TwilioConfig, logger *zap.Logger) *TwilioPlacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioPlacer{
		calls:   calls,
		from:    cfg.FromNumber,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:  logger,
	}
}

func (p *TwilioPlacer) PlaceCall(ctx context.Context, call OutboundCall) (PlacedCall, error) {
	call.To = strings.TrimSpace(call.To)
	call.AgentID = strings.TrimSpace(call.AgentID)
	if call.To == "" {
		return PlacedCall{}, fmt.Errorf("%w: to is required", ErrInvalidCall)
	}
	if call.AgentID == "" {
		return PlacedCall{}, fmt.Errorf("%w: agent_id is required", ErrInvalidCall)
	}
	if err := ctx.Err(); err != nil {
		return PlacedCall{}, err
	}

	twimlURL := TwiMLURL(p.baseURL, call)
	params := &api.CreateCallParams{}
	params.SetTo(call.To)
	params.SetFrom(p.from)
	params.SetUrl(twimlURL)

	resp, err := p.calls.CreateCall(params)
	if err != nil {
		p.logger.Error("create call failed", zap.String("to", call.To), zap.Error(err))
		return PlacedCall{}, fmt.Errorf("create call: %w", err)
	}
	placed := PlacedCall{To: call.To, TwiMLURL: twimlURL}
	if resp != nil && resp.Sid != nil {
		placed.CallSid = *resp.Sid
	}
	p.logger.Info("outbound call placed",
		zap.String("call_sid", placed.CallSid),
		zap.String("agent_id", call.AgentID),
		zap.String("elevenlabs_api_key", policy.MaskSecret(call.ElevenLabsAPIKey)),
	)
	return placed, nil
}

// TwiMLURL points Twilio at the relay's TwiML route with the call's
// parameters in the query string.
func TwiMLURL(baseURL string, call OutboundCall) string {
	q := url.Values{}
	q.Set(relay.ParamAgentID, call.AgentID)
	set := func(key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			q.Set(key, v)
		}
	}
	set(relay.ParamElevenLabsAgentID, call.ElevenLabsAgentID)
	set(relay.ParamElevenLabsAPIKey, call.ElevenLabsAPIKey)
	set(relay.ParamPrompt, call.Prompt)
	set(relay.ParamFirstMessage, call.FirstMessage)
	set(relay.ParamVoiceID, call.VoiceID)
	set(relay.ParamLanguage, call.Language)
	return strings.TrimRight(baseURL, "/") + OutboundCallPath + "?" + q.Encode()
}
