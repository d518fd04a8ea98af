package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Format names an audio encoding as the voice agent spells it.
type Format string

const (
	FormatPCM8000  Format = "pcm_8000"
	FormatULaw8000 Format = "ulaw_8000"
)

var ErrInvalidPayload = errors.New("invalid audio payload")

// ParseFormat accepts the agent's format names; empty selects fallback.
func ParseFormat(v string, fallback Format) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(v))) {
	case "":
		return fallback, nil
	case FormatPCM8000:
		return FormatPCM8000, nil
	case FormatULaw8000:
		return FormatULaw8000, nil
	default:
		return "", fmt.Errorf("unsupported audio format %q", v)
	}
}

// TelephonyToUpstream converts a base64 mu-law media payload into the
// base64 chunk the agent expects in format f.
func TelephonyToUpstream(payload string, f Format) (string, error) {
	raw, err := decodeBase64(payload)
	if err != nil {
		return "", err
	}
	if f == FormatULaw8000 {
		return payload, nil
	}
	return base64.StdEncoding.EncodeToString(DecodeMulaw(raw)), nil
}

// UpstreamToTelephony converts an agent audio chunk in format f into a
// base64 mu-law payload for the telephony leg.
func UpstreamToTelephony(chunk string, f Format) (string, error) {
	if f != FormatPCM8000 {
		if _, err := decodeBase64(chunk); err != nil {
			return "", err
		}
		return chunk, nil
	}
	raw, err := decodeBase64(chunk)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(EncodeMulaw(raw)), nil
}

func decodeBase64(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}
