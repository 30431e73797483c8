package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// dialTimeoutSeconds is how long the carrier lets the far end ring before
// reporting no-answer.
const dialTimeoutSeconds = 30

// statusCallbackEvents are the call progress events the carrier posts to
// the status callback URL.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// Twilio implements Provider against the Twilio REST API and its media
// stream webhooks.
type Twilio struct {
	client   *twilio.RestClient
	verifier *Verifier
	logger   *slog.Logger

	mu         sync.Mutex
	publicURL  string
	streamPath string
}

// NewTwilio creates a Twilio provider. streamPath is the websocket path the
// carrier is directed to for call media.
func NewTwilio(accountSid, authToken, streamPath string, logger *slog.Logger) *Twilio {
	return &Twilio{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSid,
			Password: authToken,
		}),
		verifier:   NewVerifier(authToken),
		streamPath: streamPath,
		logger:     logger.With("provider", "twilio"),
	}
}

// SetPublicURL records the externally reachable origin of this process.
// It drives both signature verification (URL reconstruction) and the
// stream URL placed in control documents.
func (t *Twilio) SetPublicURL(publicURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publicURL = publicURL
	t.verifier.PublicURL = publicURL
}

func (t *Twilio) Name() string { return "twilio" }

// VerifyWebhook implements Provider.
func (t *Twilio) VerifyWebhook(r *http.Request, body []byte) VerifyResult {
	return t.verifier.Verify(r, body)
}

// InitiateCall implements Provider. The returned sid is the carrier call id.
func (t *Twilio) InitiateCall(ctx context.Context, callID, from, to, webhookURL string) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(webhookURL + "?callId=" + url.QueryEscape(callID))
	params.SetStatusCallback(webhookURL + "?callId=" + url.QueryEscape(callID) + "&type=status")
	params.SetStatusCallbackEvent(statusCallbackEvents)
	params.SetRecord(true)
	params.SetRecordingChannels("dual")
	params.SetTimeout(dialTimeoutSeconds)

	call, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("creating call: %w", err)
	}
	if call.Sid == nil {
		return "", errors.New("carrier returned call without sid")
	}

	t.logger.Info("call created", "call_id", callID, "sid", *call.Sid, "to", to)
	return *call.Sid, nil
}

// HangupCall implements Provider. A 404 from the carrier means the call is
// already gone and is treated as success.
func (t *Twilio) HangupCall(ctx context.Context, providerCallID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := t.client.Api.UpdateCall(providerCallID, params); err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
			t.logger.Debug("hangup on unknown call treated as success", "sid", providerCallID)
			return nil
		}
		return fmt.Errorf("hanging up call %s: %w", providerCallID, err)
	}
	return nil
}

// ParseWebhookEvent implements Provider.
func (t *Twilio) ParseWebhookEvent(r *http.Request, body []byte) ([]Event, WebhookResponse, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, WebhookResponse{}, fmt.Errorf("parsing webhook body: %w", err)
	}

	query := r.URL.Query()
	callID := query.Get("callId")
	sid := form.Get("CallSid")
	if callID == "" {
		callID = sid
	}

	// Idempotency key: the carrier resends the same token on duplicate
	// deliveries. Fall back to a composite of sid and payload.
	token := r.Header.Get("I-Twilio-Idempotency-Token")

	var events []Event
	status := form.Get("CallStatus")

	switch status {
	case "initiated":
		events = append(events, t.event(token, EventInitiated, callID, sid, status))
	case "ringing":
		events = append(events, t.event(token, EventRinging, callID, sid, status))
	case "in-progress":
		events = append(events, t.event(token, EventAnswered, callID, sid, status))
	case "completed", "busy", "no-answer", "failed":
		ev := t.event(token, EventEnded, callID, sid, status)
		ev.Reason = status
		events = append(events, ev)
	case "canceled":
		ev := t.event(token, EventEnded, callID, sid, status)
		ev.Reason = "hangup-bot"
		events = append(events, ev)
	}

	if speech := form.Get("SpeechResult"); speech != "" {
		ev := t.event(token, EventSpeech, callID, sid, "speech:"+speech)
		ev.Text = speech
		ev.IsFinal = true
		events = append(events, ev)
	}
	if digits := form.Get("Digits"); digits != "" {
		ev := t.event(token, EventDTMF, callID, sid, "dtmf:"+digits)
		ev.Digits = digits
		events = append(events, ev)
	}

	resp, err := t.controlDocument(query, form)
	if err != nil {
		return events, WebhookResponse{}, err
	}
	return events, resp, nil
}

// event builds a normalized event with a stable idempotency ID.
func (t *Twilio) event(token string, typ EventType, callID, sid, discriminator string) Event {
	id := token
	if id == "" {
		id = sid + ":" + discriminator
	} else {
		// The carrier's token is unique per delivery attempt group, but a
		// single request may normalize into several events.
		id = id + ":" + string(typ)
	}
	return Event{ID: id, Type: typ, CallID: callID, ProviderCallID: sid}
}

// controlDocument builds the TwiML answer for a webhook. Status callbacks
// get an empty document; the call-answer webhook (and an in-progress
// outbound leg) is directed to open the media stream; anything else is
// told to pause so the line is not dropped.
func (t *Twilio) controlDocument(query, form url.Values) (WebhookResponse, error) {
	if query.Get("type") == "status" {
		return t.twimlResponse()
	}

	direction := form.Get("Direction")
	status := form.Get("CallStatus")
	outbound := strings.HasPrefix(direction, "outbound")
	inbound := direction == "inbound"

	if outbound || inbound || status == "in-progress" {
		streamURL, err := t.streamURL()
		if err != nil {
			return WebhookResponse{}, err
		}
		stream := &twiml.VoiceStream{Url: streamURL}
		connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
		return t.twimlResponse(connect)
	}

	return t.twimlResponse(&twiml.VoicePause{Length: "30"})
}

func (t *Twilio) twimlResponse(verbs ...twiml.Element) (WebhookResponse, error) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return WebhookResponse{}, fmt.Errorf("rendering control document: %w", err)
	}
	return WebhookResponse{
		Status:      http.StatusOK,
		ContentType: "text/xml",
		Body:        []byte(doc),
	}, nil
}

// streamURL derives the wss:// media stream URL from the public origin.
func (t *Twilio) streamURL() (string, error) {
	t.mu.Lock()
	publicURL := t.publicURL
	t.mu.Unlock()

	if publicURL == "" {
		return "", errors.New("public url not set, cannot direct carrier to media stream")
	}
	u, err := url.Parse(publicURL)
	if err != nil {
		return "", fmt.Errorf("parsing public url: %w", err)
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return scheme + "://" + u.Host + t.streamPath, nil
}
