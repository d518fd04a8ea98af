package telephony

import (
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/ent0n29/callrelay/internal/relay"
)

const OutboundCallPath = "/outbound-call"

// StreamURL builds the media stream URL Twilio should connect to. Local
// hosts get plain ws, everything else wss.
func StreamURL(host, path string) string {
	if host == "" {
		host = "localhost:8000"
	}
	scheme := "wss"
	if strings.Contains(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		scheme = "ws"
	}
	return scheme + "://" + host + path
}

// ParamsFromQuery reads the outbound call query string. agentId is required;
// the upstream credentials fall back to the process defaults.
func ParamsFromQuery(q url.Values, d relay.Defaults) (relay.SessionParams, error) {
	get := func(key string) string { return strings.TrimSpace(q.Get(key)) }
	creds := relay.ResolveCredentials(get(relay.ParamElevenLabsAPIKey), get(relay.ParamElevenLabsAgentID), d)

	p := relay.SessionParams{
		AgentID:           get(relay.ParamAgentID),
		ElevenLabsAgentID: creds.AgentID,
		ElevenLabsAPIKey:  creds.APIKey,
		Prompt:            get(relay.ParamPrompt),
		FirstMessage:      get(relay.ParamFirstMessage),
		VoiceID:           get(relay.ParamVoiceID),
		Language:          get(relay.ParamLanguage),
	}
	if p.VoiceID == "" {
		p.VoiceID = relay.DefaultVoiceID
	}
	if p.Language == "" {
		p.Language = relay.DefaultLanguage
	}

	var missing []string
	if p.AgentID == "" {
		missing = append(missing, relay.ParamAgentID)
	}
	if p.ElevenLabsAPIKey == "" {
		missing = append(missing, relay.ParamElevenLabsAPIKey)
	}
	if p.ElevenLabsAgentID == "" {
		missing = append(missing, relay.ParamElevenLabsAgentID)
	}
	if len(missing) > 0 {
		return relay.SessionParams{}, &relay.ValidationError{Missing: missing}
	}
	return p, nil
}

// BuildStreamTwiML renders <Connect><Stream> with every session parameter
// attached so the relay receives them in the start event.
func BuildStreamTwiML(streamURL string, p relay.SessionParams) (string, error) {
	params := []struct{ name, value string }{
		{relay.ParamAgentID, p.AgentID},
		{relay.ParamElevenLabsAgentID, p.ElevenLabsAgentID},
		{relay.ParamElevenLabsAPIKey, p.ElevenLabsAPIKey},
		{relay.ParamPrompt, p.Prompt},
		{relay.ParamFirstMessage, p.FirstMessage},
		{relay.ParamVoiceID, p.VoiceID},
		{relay.ParamLanguage, p.Language},
	}
	inner := make([]twiml.Element, 0, len(params))
	for _, kv := range params {
		inner = append(inner, &twiml.VoiceParameter{Name: kv.name, Value: kv.value})
	}

	stream := &twiml.VoiceStream{
		Url:           streamURL,
		InnerElements: inner,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}
