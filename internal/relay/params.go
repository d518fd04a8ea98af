package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/callrelay/internal/upstream"
)

const (
	DefaultVoiceID  = "alloy"
	DefaultLanguage = "en"

	DefaultFirstMessage = "Hello, this is Sam calling from Codebase. Am im talking with Chris?"
	DefaultPrompt       = `You are a professional sales representative. After greeting, always ask:
"I'm calling to discuss our new service that helps businesses like yours.
Do you have a few minutes to chat?"

Listen carefully to their response:
- If they show interest by saying yes or asking to learn more, say
  "Great! Let me tell you about our service..."
- If they say they're busy or not interested, respond with
  "I understand you're busy. Would it be better if I sent you some
  information by email?"

Be polite, professional, friendly and approachable. Let the customer speak
and don't be pushy. Focus on understanding their needs and concerns.`
)

// Stream parameter names as carried in the start event's customParameters.
const (
	ParamAgentID           = "agentId"
	ParamElevenLabsAgentID = "elevenLabsAgentId"
	ParamElevenLabsAPIKey  = "elevenLabsApiKey"
	ParamPrompt            = "prompt"
	ParamFirstMessage      = "firstMessage"
	ParamVoiceID           = "voiceId"
	ParamLanguage          = "language"
)

var ErrInvalidParams = errors.New("invalid session params")

// ValidationError lists the start parameters that were missing or blank.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrInvalidParams, strings.Join(e.Missing, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidParams }

// SessionParams is the validated, immutable per-call configuration.
type SessionParams struct {
	AgentID           string
	ElevenLabsAgentID string
	ElevenLabsAPIKey  string
	Prompt            string
	FirstMessage      string
	VoiceID           string
	Language          string
}

// Defaults are the process-level fallbacks for per-call values.
type Defaults struct {
	APIKey       string
	AgentID      string
	Prompt       string
	FirstMessage string
}

// ResolveCredentials applies the precedence rule shared by every entry
// point: a per-call value wins, otherwise the process default is used.
func ResolveCredentials(apiKey, agentID string, d Defaults) upstream.Credentials {
	creds := upstream.Credentials{
		APIKey:  strings.TrimSpace(apiKey),
		AgentID: strings.TrimSpace(agentID),
	}
	if creds.APIKey == "" {
		creds.APIKey = strings.TrimSpace(d.APIKey)
	}
	if creds.AgentID == "" {
		creds.AgentID = strings.TrimSpace(d.AgentID)
	}
	return creds
}

// ValidateParams builds SessionParams from the start event's custom
// parameters. agentId and elevenLabsAgentId must be present in the payload;
// the API key may come from the process default.
func ValidateParams(custom map[string]string, d Defaults) (SessionParams, error) {
	get := func(key string) string { return strings.TrimSpace(custom[key]) }

	var missing []string
	if get(ParamAgentID) == "" {
		missing = append(missing, ParamAgentID)
	}
	if get(ParamElevenLabsAgentID) == "" {
		missing = append(missing, ParamElevenLabsAgentID)
	}
	creds := ResolveCredentials(get(ParamElevenLabsAPIKey), get(ParamElevenLabsAgentID), d)
	if creds.APIKey == "" {
		missing = append(missing, ParamElevenLabsAPIKey)
	}
	if len(missing) > 0 {
		return SessionParams{}, &ValidationError{Missing: missing}
	}

	p := SessionParams{
		AgentID:           get(ParamAgentID),
		ElevenLabsAgentID: creds.AgentID,
		ElevenLabsAPIKey:  creds.APIKey,
		Prompt:            firstNonEmpty(get(ParamPrompt), d.Prompt, DefaultPrompt),
		FirstMessage:      firstNonEmpty(get(ParamFirstMessage), d.FirstMessage, DefaultFirstMessage),
		VoiceID:           firstNonEmpty(get(ParamVoiceID), DefaultVoiceID),
		Language:          firstNonEmpty(get(ParamLanguage), DefaultLanguage),
	}
	return p, nil
}

func (p SessionParams) Credentials() upstream.Credentials {
	return upstream.Credentials{APIKey: p.ElevenLabsAPIKey, AgentID: p.ElevenLabsAgentID}
}

func (p SessionParams) Override() upstream.Override {
	return upstream.Override{Prompt: p.Prompt, FirstMessage: p.FirstMessage}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
