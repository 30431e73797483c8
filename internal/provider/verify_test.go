package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

const testAuthToken = "12345678901234567890123456789012"

// signTwilio computes the carrier signature: base64 HMAC-SHA1 over the URL
// followed by the form parameters in sorted key order as key+value.
func signTwilio(t *testing.T, reqURL string, form url.Values) string {
	t.Helper()
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(reqURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(testAuthToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerify_ValidSignature(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "ringing")
	form.Set("From", "+15550001111")

	publicURL := "https://example.com/voice/webhook?callId=abc"
	sig := signTwilio(t, publicURL, form)

	r := httptest.NewRequest("POST", "/voice/webhook?callId=abc", strings.NewReader(form.Encode()))
	r.Host = "example.com"
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Twilio-Signature", sig)

	v := NewVerifier(testAuthToken)
	res := v.Verify(r, []byte(form.Encode()))
	if !res.OK {
		t.Fatalf("Verify failed: %s (url %s)", res.Reason, res.URL)
	}
	if res.URL != publicURL {
		t.Errorf("reconstructed URL = %q, want %q", res.URL, publicURL)
	}
}

func TestVerify_ParameterOrderIrrelevant(t *testing.T) {
	// The signature is over sorted parameters, so any body ordering of the
	// same pairs must verify identically.
	form := url.Values{}
	form.Set("Zebra", "z")
	form.Set("Alpha", "a")
	form.Set("Mango", "m")

	publicURL := "https://example.com/voice/webhook"
	sig := signTwilio(t, publicURL, form)

	bodies := []string{
		"Zebra=z&Alpha=a&Mango=m",
		"Alpha=a&Mango=m&Zebra=z",
		"Mango=m&Zebra=z&Alpha=a",
	}
	v := NewVerifier(testAuthToken)
	for _, body := range bodies {
		r := httptest.NewRequest("POST", "/voice/webhook", strings.NewReader(body))
		r.Host = "example.com"
		r.Header.Set("X-Forwarded-Proto", "https")
		r.Header.Set("X-Twilio-Signature", sig)
		if res := v.Verify(r, []byte(body)); !res.OK {
			t.Errorf("body %q failed verification: %s", body, res.Reason)
		}
	}
}

func TestVerify_MissingSignature(t *testing.T) {
	r := httptest.NewRequest("POST", "/voice/webhook", nil)
	v := NewVerifier(testAuthToken)
	if res := v.Verify(r, nil); res.OK {
		t.Error("request without signature header must not verify")
	}
}

func TestVerify_BadSignature(t *testing.T) {
	r := httptest.NewRequest("POST", "/voice/webhook", nil)
	r.Host = "example.com"
	r.Header.Set("X-Twilio-Signature", "bm90IGEgcmVhbCBzaWduYXR1cmU=")
	v := NewVerifier(testAuthToken)
	res := v.Verify(r, []byte("CallSid=CA1"))
	if res.OK {
		t.Fatal("bad signature must not verify")
	}
	if res.NgrokFreeTier {
		t.Error("non-ngrok host must not set the free-tier hint")
	}
}

func TestVerify_NgrokFreeTierHint(t *testing.T) {
	r := httptest.NewRequest("POST", "/voice/webhook", nil)
	r.Host = "abc123.ngrok-free.app"
	r.Header.Set("X-Twilio-Signature", "bm90IGEgcmVhbCBzaWduYXR1cmU=")
	v := NewVerifier(testAuthToken)
	res := v.Verify(r, []byte("CallSid=CA1"))
	if res.OK {
		t.Fatal("mismatched signature must be rejected even on ngrok")
	}
	if !res.NgrokFreeTier {
		t.Error("ngrok free-tier host should set the hint on failure")
	}
}

func TestVerify_PublicURLOverride(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA999")

	// Signature is over the public origin; the request arrives with an
	// internal host and no forwarding headers.
	sig := signTwilio(t, "https://public.example.org/voice/webhook?callId=x", form)

	r := httptest.NewRequest("POST", "/voice/webhook?callId=x", strings.NewReader(form.Encode()))
	r.Host = "127.0.0.1:3334"
	r.Header.Set("X-Twilio-Signature", sig)

	v := NewVerifier(testAuthToken)
	v.PublicURL = "https://public.example.org:443"
	res := v.Verify(r, []byte(form.Encode()))
	if !res.OK {
		t.Fatalf("Verify with public URL override failed: %s (url %s)", res.Reason, res.URL)
	}
}

func TestVerify_ForwardedHostPriority(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA42")
	sig := signTwilio(t, "https://forwarded.example.com/voice/webhook", form)

	r := httptest.NewRequest("POST", "/voice/webhook", strings.NewReader(form.Encode()))
	r.Host = "internal:8080"
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "forwarded.example.com:443")
	r.Header.Set("Ngrok-Forwarded-Host", "other.example.com")
	r.Header.Set("X-Twilio-Signature", sig)

	v := NewVerifier(testAuthToken)
	res := v.Verify(r, []byte(form.Encode()))
	if !res.OK {
		t.Fatalf("Verify with forwarded host failed: %s (url %s)", res.Reason, res.URL)
	}
}

func TestStripPort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.com:443", "example.com"},
		{"example.com", "example.com"},
		{"[::1]:8080", "[::1]"},
		{"[::1]", "[::1]"},
	}
	for _, tt := range tests {
		if got := stripPort(tt.in); got != tt.want {
			t.Errorf("stripPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
