package telephony

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callrelay/internal/relay"
)

func TestStreamURLScheme(t *testing.T) {
	assert.Equal(t, "ws://localhost:8000/outbound-media-stream", StreamURL("localhost:8000", "/outbound-media-stream"))
	assert.Equal(t, "ws://127.0.0.1:9000/m", StreamURL("127.0.0.1:9000", "/m"))
	assert.Equal(t, "wss://relay.example.com/outbound-media-stream", StreamURL("relay.example.com", "/outbound-media-stream"))
	assert.Equal(t, "ws://localhost:8000/x", StreamURL("", "/x"))
}

func TestParamsFromQueryFallsBackToDefaults(t *testing.T) {
	q := url.Values{}
	q.Set("agentId", "A1")
	p, err := ParamsFromQuery(q, relay.Defaults{APIKey: "env-key", AgentID: "env-agent"})
	require.NoError(t, err)

	assert.Equal(t, "A1", p.AgentID)
	assert.Equal(t, "env-key", p.ElevenLabsAPIKey)
	assert.Equal(t, "env-agent", p.ElevenLabsAgentID)
	assert.Equal(t, relay.DefaultVoiceID, p.VoiceID)
	assert.Equal(t, relay.DefaultLanguage, p.Language)
}

func TestParamsFromQueryPrefersQueryValues(t *testing.T) {
	q := url.Values{}
	q.Set("agentId", "A1")
	q.Set("elevenLabsApiKey", "call-key")
	q.Set("elevenLabsAgentId", "E9")
	q.Set("language", "it")
	p, err := ParamsFromQuery(q, relay.Defaults{APIKey: "env-key", AgentID: "env-agent"})
	require.NoError(t, err)

	assert.Equal(t, "call-key", p.ElevenLabsAPIKey)
	assert.Equal(t, "E9", p.ElevenLabsAgentID)
	assert.Equal(t, "it", p.Language)
}

func TestParamsFromQueryMissing(t *testing.T) {
	_, err := ParamsFromQuery(url.Values{}, relay.Defaults{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, relay.ErrInvalidParams))

	var verr *relay.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"agentId", "elevenLabsApiKey", "elevenLabsAgentId"}, verr.Missing)
}

func TestBuildStreamTwiML(t *testing.T) {
	out, err := BuildStreamTwiML("wss://relay.example.com/outbound-media-stream", relay.SessionParams{
		AgentID:           "A1",
		ElevenLabsAgentID: "E1",
		ElevenLabsAPIKey:  "key",
		Prompt:            "Be brief",
		FirstMessage:      "Hi",
		VoiceID:           "alloy",
		Language:          "en",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "<Response>")
	assert.Contains(t, out, "<Connect>")
	assert.Contains(t, out, `url="wss://relay.example.com/outbound-media-stream"`)
	for _, name := range []string{"agentId", "elevenLabsAgentId", "elevenLabsApiKey", "prompt", "firstMessage", "voiceId", "language"} {
		assert.Contains(t, out, `name="`+name+`"`)
	}
	assert.Contains(t, out, `value="E1"`)
	assert.Equal(t, 7, strings.Count(out, "<Parameter"))
}
