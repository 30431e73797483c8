package provider

import (
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestTwilio(t *testing.T) *Twilio {
	t.Helper()
	tw := NewTwilio("AC000", testAuthToken, "/voice/stream", slog.Default())
	tw.SetPublicURL("https://calls.example.com")
	return tw
}

func parse(t *testing.T, tw *Twilio, target string, form url.Values) ([]Event, WebhookResponse) {
	t.Helper()
	body := form.Encode()
	r := httptest.NewRequest("POST", target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	events, resp, err := tw.ParseWebhookEvent(r, []byte(body))
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	return events, resp
}

func TestParseWebhookEvent_StatusMapping(t *testing.T) {
	tests := []struct {
		status     string
		wantType   EventType
		wantReason string
	}{
		{"initiated", EventInitiated, ""},
		{"ringing", EventRinging, ""},
		{"in-progress", EventAnswered, ""},
		{"completed", EventEnded, "completed"},
		{"busy", EventEnded, "busy"},
		{"no-answer", EventEnded, "no-answer"},
		{"failed", EventEnded, "failed"},
		{"canceled", EventEnded, "hangup-bot"},
	}

	tw := newTestTwilio(t)
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			form := url.Values{}
			form.Set("CallSid", "CA123")
			form.Set("CallStatus", tt.status)
			form.Set("Direction", "outbound-api")

			events, _ := parse(t, tw, "/voice/webhook?callId=internal-1&type=status", form)
			if len(events) != 1 {
				t.Fatalf("events = %d, want 1", len(events))
			}
			ev := events[0]
			if ev.Type != tt.wantType {
				t.Errorf("type = %s, want %s", ev.Type, tt.wantType)
			}
			if ev.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", ev.Reason, tt.wantReason)
			}
			if ev.CallID != "internal-1" {
				t.Errorf("callID = %q, want internal-1 (from query)", ev.CallID)
			}
			if ev.ProviderCallID != "CA123" {
				t.Errorf("providerCallID = %q, want CA123", ev.ProviderCallID)
			}
		})
	}
}

func TestParseWebhookEvent_CallIDFallsBackToSid(t *testing.T) {
	tw := newTestTwilio(t)
	form := url.Values{}
	form.Set("CallSid", "CA777")
	form.Set("CallStatus", "ringing")

	events, _ := parse(t, tw, "/voice/webhook?type=status", form)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].CallID != "CA777" {
		t.Errorf("callID = %q, want CallSid fallback CA777", events[0].CallID)
	}
}

func TestParseWebhookEvent_Speech(t *testing.T) {
	tw := newTestTwilio(t)
	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("SpeechResult", "hello there")

	events, _ := parse(t, tw, "/voice/webhook?callId=c1&type=status", form)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != EventSpeech || ev.Text != "hello there" || !ev.IsFinal {
		t.Errorf("got %+v, want final speech event with text", ev)
	}
}

func TestParseWebhookEvent_DTMF(t *testing.T) {
	tw := newTestTwilio(t)
	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("Digits", "42#")

	events, _ := parse(t, tw, "/voice/webhook?callId=c1&type=status", form)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != EventDTMF || events[0].Digits != "42#" {
		t.Errorf("got %+v, want dtmf event with digits 42#", events[0])
	}
}

func TestParseWebhookEvent_DuplicateDeliverySameID(t *testing.T) {
	tw := newTestTwilio(t)
	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "completed")

	a, _ := parse(t, tw, "/voice/webhook?callId=c1&type=status", form)
	b, _ := parse(t, tw, "/voice/webhook?callId=c1&type=status", form)
	if a[0].ID != b[0].ID {
		t.Errorf("duplicate deliveries produced different ids: %q vs %q", a[0].ID, b[0].ID)
	}
}

func TestControlDocument_StatusCallbackEmpty(t *testing.T) {
	tw := newTestTwilio(t)
	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "ringing")
	form.Set("Direction", "outbound-api")

	_, resp := parse(t, tw, "/voice/webhook?callId=c1&type=status", form)
	body := string(resp.Body)
	if strings.Contains(body, "<Connect") || strings.Contains(body, "<Pause") {
		t.Errorf("status callback should get an empty document, got %s", body)
	}
	if resp.ContentType != "text/xml" {
		t.Errorf("content type = %q, want text/xml", resp.ContentType)
	}
}

func TestControlDocument_OutboundGetsStream(t *testing.T) {
	tw := newTestTwilio(t)
	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "in-progress")
	form.Set("Direction", "outbound-api")

	_, resp := parse(t, tw, "/voice/webhook?callId=c1", form)
	body := string(resp.Body)
	if !strings.Contains(body, "<Connect>") {
		t.Fatalf("expected Connect verb, got %s", body)
	}
	if !strings.Contains(body, `url="wss://calls.example.com/voice/stream"`) {
		t.Errorf("stream url missing or wrong, got %s", body)
	}
}

func TestControlDocument_UnknownDirectionPauses(t *testing.T) {
	tw := newTestTwilio(t)
	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "queued")
	form.Set("Direction", "")

	_, resp := parse(t, tw, "/voice/webhook?callId=c1", form)
	if !strings.Contains(string(resp.Body), "<Pause") {
		t.Errorf("expected Pause verb, got %s", resp.Body)
	}
}

func TestStreamURL_HTTPBecomesWS(t *testing.T) {
	tw := NewTwilio("AC000", testAuthToken, "/voice/stream", slog.Default())
	tw.SetPublicURL("http://localhost:3334")
	got, err := tw.streamURL()
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://localhost:3334/voice/stream" {
		t.Errorf("streamURL = %q", got)
	}
}
