package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies conversational agent websocket payloads.
type MessageType string

const (
	TypeInitiationMetadata MessageType = "conversation_initiation_metadata"
	TypeAudio              MessageType = "audio"
	TypeInterruption       MessageType = "interruption"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
	TypeAgentResponse      MessageType = "agent_response"
	TypeUserTranscript     MessageType = "user_transcript"
	TypeInitiationClient   MessageType = "conversation_initiation_client_data"
)

// UpstreamMessage is one inbound frame from the agent leg.
type UpstreamMessage interface {
	MessageType() MessageType
}

type InitiationMetadata struct {
	ConversationID         string
	AgentOutputAudioFormat string
	UserInputAudioFormat   string
}

// Audio is an agent speech chunk, base64 encoded.
type Audio struct {
	Chunk   string
	EventID json.RawMessage
}

type Interruption struct {
	EventID json.RawMessage
}

// Ping must be answered with a Pong carrying the same event id.
type Ping struct {
	EventID json.RawMessage
	PingMS  int
}

// HasEventID reports whether the ping carried an id to echo back.
func (p Ping) HasEventID() bool {
	return len(p.EventID) > 0 && string(p.EventID) != "null"
}

type AgentResponse struct {
	Text string
}

type UserTranscript struct {
	Text string
}

type UnknownUpstreamMessage struct {
	Type string
	Raw  []byte
}

func (InitiationMetadata) MessageType() MessageType       { return TypeInitiationMetadata }
func (Audio) MessageType() MessageType                    { return TypeAudio }
func (Interruption) MessageType() MessageType             { return TypeInterruption }
func (Ping) MessageType() MessageType                     { return TypePing }
func (AgentResponse) MessageType() MessageType            { return TypeAgentResponse }
func (UserTranscript) MessageType() MessageType           { return TypeUserTranscript }
func (m UnknownUpstreamMessage) MessageType() MessageType { return MessageType(m.Type) }

type upstreamEnvelope struct {
	Type               MessageType `json:"type"`
	InitiationMetadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
	Audio *struct {
		Chunk string `json:"chunk"`
	} `json:"audio"`
	AudioEvent *struct {
		AudioBase64 string          `json:"audio_base_64"`
		EventID     json.RawMessage `json:"event_id"`
	} `json:"audio_event"`
	InterruptionEvent *struct {
		EventID json.RawMessage `json:"event_id"`
	} `json:"interruption_event"`
	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
		PingMS  int             `json:"ping_ms"`
	} `json:"ping_event"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
}

// ParseUpstreamMessage decodes one agent frame. Audio accepts both the
// legacy audio.chunk shape and audio_event.audio_base_64.
func ParseUpstreamMessage(raw []byte) (UpstreamMessage, error) {
	var env upstreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Type {
	case TypeInitiationMetadata:
		var m InitiationMetadata
		if env.InitiationMetadata != nil {
			m.ConversationID = env.InitiationMetadata.ConversationID
			m.AgentOutputAudioFormat = env.InitiationMetadata.AgentOutputAudioFormat
			m.UserInputAudioFormat = env.InitiationMetadata.UserInputAudioFormat
		}
		return m, nil
	case TypeAudio:
		var a Audio
		if env.Audio != nil && env.Audio.Chunk != "" {
			a.Chunk = env.Audio.Chunk
		}
		if env.AudioEvent != nil {
			if a.Chunk == "" {
				a.Chunk = env.AudioEvent.AudioBase64
			}
			a.EventID = env.AudioEvent.EventID
		}
		return a, nil
	case TypeInterruption:
		var i Interruption
		if env.InterruptionEvent != nil {
			i.EventID = env.InterruptionEvent.EventID
		}
		return i, nil
	case TypePing:
		var p Ping
		if env.PingEvent != nil {
			p.EventID = env.PingEvent.EventID
			p.PingMS = env.PingEvent.PingMS
		}
		return p, nil
	case TypeAgentResponse:
		var r AgentResponse
		if env.AgentResponseEvent != nil {
			r.Text = env.AgentResponseEvent.AgentResponse
		}
		return r, nil
	case TypeUserTranscript:
		var u UserTranscript
		if env.UserTranscriptionEvent != nil {
			u.Text = env.UserTranscriptionEvent.UserTranscript
		}
		return u, nil
	default:
		return UnknownUpstreamMessage{Type: string(env.Type), Raw: raw}, nil
	}
}

// ConversationInitiation is the single configuration frame sent right
// after the agent socket opens.
type ConversationInitiation struct {
	Type                       MessageType                `json:"type"`
	ConversationConfigOverride ConversationConfigOverride `json:"conversation_config_override"`
}

type ConversationConfigOverride struct {
	Agent AgentOverride `json:"agent"`
}

type AgentOverride struct {
	Prompt       PromptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message"`
}

type PromptOverride struct {
	Prompt string `json:"prompt"`
}

type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type Pong struct {
	Type    MessageType     `json:"type"`
	EventID json.RawMessage `json:"event_id"`
}

func NewConversationInitiation(prompt, firstMessage string) ConversationInitiation {
	return ConversationInitiation{
		Type: TypeInitiationClient,
		ConversationConfigOverride: ConversationConfigOverride{
			Agent: AgentOverride{
				Prompt:       PromptOverride{Prompt: prompt},
				FirstMessage: firstMessage,
			},
		},
	}
}

func NewPong(eventID json.RawMessage) Pong {
	if len(eventID) == 0 {
		eventID = json.RawMessage("null")
	}
	return Pong{Type: TypePong, EventID: eventID}
}
