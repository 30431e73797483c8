package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

// Mock is a Provider for tests and dry runs. It mints synthetic call ids,
// accepts any webhook, and records hangups instead of calling out.
type Mock struct {
	counter atomic.Int64

	mu       sync.Mutex
	created  []MockCall
	hungUp   []string
	failNext error
}

// MockCall records an InitiateCall invocation.
type MockCall struct {
	CallID         string
	ProviderCallID string
	From, To       string
	WebhookURL     string
}

// NewMock creates a mock provider.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

// FailNextInitiate makes the next InitiateCall return err.
func (m *Mock) FailNextInitiate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Mock) VerifyWebhook(r *http.Request, body []byte) VerifyResult {
	return VerifyResult{OK: true, URL: r.URL.String()}
}

func (m *Mock) ParseWebhookEvent(r *http.Request, body []byte) ([]Event, WebhookResponse, error) {
	return nil, WebhookResponse{
		Status:      http.StatusOK,
		ContentType: "text/xml",
		Body:        []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`),
	}, nil
}

func (m *Mock) InitiateCall(ctx context.Context, callID, from, to, webhookURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return "", err
	}
	sid := fmt.Sprintf("MC%016d", m.counter.Add(1))
	m.created = append(m.created, MockCall{
		CallID:         callID,
		ProviderCallID: sid,
		From:           from,
		To:             to,
		WebhookURL:     webhookURL,
	})
	return sid, nil
}

func (m *Mock) HangupCall(ctx context.Context, providerCallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hungUp = append(m.hungUp, providerCallID)
	return nil
}

// Created returns a copy of all recorded InitiateCall invocations.
func (m *Mock) Created() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.created...)
}

// HungUp returns the provider call ids passed to HangupCall.
func (m *Mock) HungUp() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.hungUp...)
}
