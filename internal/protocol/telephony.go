// Package protocol defines the frames exchanged on both legs of a relayed
// call. Each direction has a closed set of variants plus an Unknown
// catch-all so unrecognized frames can be logged and skipped.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EventType identifies telephony media-stream events.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventDTMF      EventType = "dtmf"
	EventClear     EventType = "clear"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// TelephonyEvent is one inbound frame from the telephony leg.
type TelephonyEvent interface {
	EventName() EventType
}

type Connected struct {
	Protocol string
	Version  string
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Start struct {
	StreamSid        string
	CallSid          string
	AccountSid       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

type Media struct {
	StreamSid string
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

type Stop struct {
	StreamSid string
	CallSid   string
}

type Mark struct {
	StreamSid string
	Name      string
}

type DTMF struct {
	StreamSid string
	Digit     string
}

type UnknownTelephonyEvent struct {
	Event string
	Raw   []byte
}

func (Connected) EventName() EventType               { return EventConnected }
func (Start) EventName() EventType                   { return EventStart }
func (Media) EventName() EventType                   { return EventMedia }
func (Stop) EventName() EventType                    { return EventStop }
func (Mark) EventName() EventType                    { return EventMark }
func (DTMF) EventName() EventType                    { return EventDTMF }
func (e UnknownTelephonyEvent) EventName() EventType { return EventType(e.Event) }

type telephonyEnvelope struct {
	Event     EventType `json:"event"`
	StreamSid string    `json:"streamSid"`
	Protocol  string    `json:"protocol"`
	Version   string    `json:"version"`
	Start     *struct {
		StreamSid        string         `json:"streamSid"`
		CallSid          string         `json:"callSid"`
		AccountSid       string         `json:"accountSid"`
		Tracks           []string       `json:"tracks"`
		MediaFormat      MediaFormat    `json:"mediaFormat"`
		CustomParameters map[string]any `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	Stop *struct {
		CallSid string `json:"callSid"`
	} `json:"stop"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

// ParseTelephonyEvent decodes one telephony frame. Only a frame that is not
// a JSON object is an error; unrecognized events come back as
// UnknownTelephonyEvent.
func ParseTelephonyEvent(raw []byte) (TelephonyEvent, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Event {
	case EventConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start event without start body", ErrInvalidEnvelope)
		}
		streamSid := env.Start.StreamSid
		if streamSid == "" {
			streamSid = env.StreamSid
		}
		params := make(map[string]string, len(env.Start.CustomParameters))
		for k, v := range env.Start.CustomParameters {
			params[k] = stringify(v)
		}
		return Start{
			StreamSid:        streamSid,
			CallSid:          env.Start.CallSid,
			AccountSid:       env.Start.AccountSid,
			Tracks:           env.Start.Tracks,
			MediaFormat:      env.Start.MediaFormat,
			CustomParameters: params,
		}, nil
	case EventMedia:
		m := Media{StreamSid: env.StreamSid}
		if env.Media != nil {
			m.Track = env.Media.Track
			m.Chunk = env.Media.Chunk
			m.Timestamp = env.Media.Timestamp
			m.Payload = env.Media.Payload
		}
		return m, nil
	case EventStop:
		s := Stop{StreamSid: env.StreamSid}
		if env.Stop != nil {
			s.CallSid = env.Stop.CallSid
		}
		return s, nil
	case EventMark:
		m := Mark{StreamSid: env.StreamSid}
		if env.Mark != nil {
			m.Name = env.Mark.Name
		}
		return m, nil
	case EventDTMF:
		d := DTMF{StreamSid: env.StreamSid}
		if env.DTMF != nil {
			d.Digit = env.DTMF.Digit
		}
		return d, nil
	default:
		return UnknownTelephonyEvent{Event: string(env.Event), Raw: raw}, nil
	}
}

// OutboundMedia carries agent audio back to the caller.
type OutboundMedia struct {
	Event     EventType    `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

// Clear drops any audio the telephony side has buffered but not played.
type Clear struct {
	Event     EventType `json:"event"`
	StreamSid string    `json:"streamSid"`
}

// StopStream tells the telephony side the stream is over.
type StopStream struct {
	Event     EventType `json:"event"`
	StreamSid string    `json:"streamSid,omitempty"`
}

func NewOutboundMedia(streamSid, payload string) OutboundMedia {
	return OutboundMedia{Event: EventMedia, StreamSid: streamSid, Media: MediaPayload{Payload: payload}}
}

func NewClear(streamSid string) Clear {
	return Clear{Event: EventClear, StreamSid: streamSid}
}

func NewStopStream(streamSid string) StopStream {
	return StopStream{Event: EventStop, StreamSid: streamSid}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
