package policy

import (
	"net/http"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactParamsMasksAPIKey(t *testing.T) {
	out := RedactParams(map[string]string{
		"agentId":          "a1",
		"elevenLabsApiKey": "sk_1234567890abcdef",
		"prompt":           strings.Repeat("x", 150),
	})
	if out["agentId"] != "a1" {
		t.Fatalf("agentId = %q, want %q", out["agentId"], "a1")
	}
	if strings.Contains(out["elevenLabsApiKey"], "1234567890") {
		t.Fatalf("api key leaked: %q", out["elevenLabsApiKey"])
	}
	if !strings.HasSuffix(out["elevenLabsApiKey"], "cdef") {
		t.Fatalf("elevenLabsApiKey = %q, want masked value ending in cdef", out["elevenLabsApiKey"])
	}
	if len(out["prompt"]) != 103 {
		t.Fatalf("len(prompt) = %d, want 103", len(out["prompt"]))
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abcdefghijklmnop")
	h.Set("X-Twilio-Signature", "sig")
	h.Set("User-Agent", "TwilioProxy/1.1")

	out := RedactHeaders(h)
	if out["user-agent"] != "TwilioProxy/1.1" {
		t.Fatalf("user-agent = %q", out["user-agent"])
	}
	if strings.Contains(out["authorization"], "abcdefgh") {
		t.Fatalf("authorization leaked: %q", out["authorization"])
	}
	if MaskSecret("short") != "[REDACTED]" {
		t.Fatalf("MaskSecret(short) = %q", MaskSecret("short"))
	}
}
