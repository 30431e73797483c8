// Package provider abstracts the telephony carrier: placing and hanging up
// calls over its REST API, verifying and parsing its status webhooks, and
// emitting the per-call control documents that direct the carrier to open a
// media stream back to this process.
package provider

import (
	"context"
	"net/http"
)

// EventType identifies a normalized carrier event.
type EventType string

const (
	EventInitiated EventType = "call.initiated"
	EventRinging   EventType = "call.ringing"
	EventAnswered  EventType = "call.answered"
	EventEnded     EventType = "call.ended"
	EventSpeech    EventType = "call.speech"
	EventDTMF      EventType = "call.dtmf"
)

// Event is a carrier webhook normalized into a provider-independent form.
type Event struct {
	// ID is an idempotency key for this delivery. Duplicate deliveries of
	// the same carrier event carry the same ID.
	ID   string
	Type EventType

	// CallID is the internal call identifier echoed back through the
	// webhook URL query string. Empty if the carrier stripped the query.
	CallID string

	// ProviderCallID is the identifier minted by the carrier.
	ProviderCallID string

	// Reason is set for EventEnded: completed, busy, no-answer, failed,
	// or hangup-bot.
	Reason string

	// Text is set for EventSpeech.
	Text    string
	IsFinal bool

	// Digits is set for EventDTMF.
	Digits string
}

// WebhookResponse is the control document returned to the carrier in
// response to a webhook.
type WebhookResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// VerifyResult reports the outcome of webhook signature verification.
type VerifyResult struct {
	OK     bool
	Reason string

	// URL is the reconstructed URL the signature was checked against.
	URL string

	// NgrokFreeTier is set when verification failed and the reconstructed
	// host is an ngrok free-tier domain, which rewrites the Host header in
	// a way that breaks signatures. The request is still rejected; this is
	// a hint for the operator.
	NgrokFreeTier bool
}

// Provider is the carrier contract. Two implementations exist: the real
// Twilio adapter and a mock for tests.
type Provider interface {
	Name() string

	// VerifyWebhook checks the carrier signature on an incoming webhook.
	VerifyWebhook(r *http.Request, body []byte) VerifyResult

	// ParseWebhookEvent normalizes a webhook body into zero or more events
	// and produces the control document to answer the carrier with.
	ParseWebhookEvent(r *http.Request, body []byte) ([]Event, WebhookResponse, error)

	// InitiateCall places an outbound call and returns the carrier's call
	// identifier. webhookURL is the public URL the carrier will post
	// status events to; the internal callID is appended as a query
	// parameter so events can be correlated even before the carrier id
	// is learned.
	InitiateCall(ctx context.Context, callID, from, to, webhookURL string) (string, error)

	// HangupCall ends a call via the carrier REST API. Hanging up a call
	// the carrier no longer knows about is not an error.
	HangupCall(ctx context.Context, providerCallID string) error
}
