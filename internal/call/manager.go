package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supercall/supercall/internal/provider"
)

var (
	// ErrProviderNotReady is returned when no carrier adapter or public
	// webhook URL has been configured yet.
	ErrProviderNotReady = errors.New("call provider not initialized")

	// ErrTooManyCalls is returned when the concurrent call cap is reached.
	ErrTooManyCalls = errors.New("maximum concurrent calls reached")

	// ErrCallNotFound is returned for lookups of unknown call ids.
	ErrCallNotFound = errors.New("call not found")
)

// ManagerConfig holds the manager's tunables.
type ManagerConfig struct {
	FromNumber         string
	MaxConcurrentCalls int
	MaxDuration        time.Duration
}

// CompletionHandler receives the final record of a call exactly once, after
// it reaches a terminal state. It runs outside the manager's lock.
type CompletionHandler func(rec *Record)

// Manager owns all shared mutable call state: the active map, the provider
// call id reverse index, per-call timers, and the journal. One mutex guards
// them together.
type Manager struct {
	cfg       ManagerConfig
	journal   *Journal
	preflight *Preflight
	logger    *slog.Logger

	mu         sync.Mutex
	prov       provider.Provider
	webhookURL string
	streamURL  string
	active     map[string]*Record
	byProvider map[string]string // providerCallId → callId
	timers     map[string]*time.Timer
	onComplete CompletionHandler
	endCounts  map[string]int64
}

// NewManager creates a manager. Call Restore before serving traffic so calls
// from a previous run are either resumed or written off.
func NewManager(cfg ManagerConfig, journal *Journal, preflight *Preflight, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		journal:    journal,
		preflight:  preflight,
		logger:     logger.With("subsystem", "call-manager"),
		active:     make(map[string]*Record),
		byProvider: make(map[string]string),
		timers:     make(map[string]*time.Timer),
		endCounts:  make(map[string]int64),
	}
}

// SetProvider installs the carrier adapter and the public endpoints used by
// preflight. Until this is called, InitiateCall fails.
func (m *Manager) SetProvider(p provider.Provider, webhookURL, streamURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prov = p
	m.webhookURL = webhookURL
	m.streamURL = streamURL
}

// SetOnCallComplete registers the single completion sink.
func (m *Manager) SetOnCallComplete(h CompletionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = h
}

// Restore reloads non-terminal calls from the journal into the active set
// and restarts their max-duration timers. Stale leftovers are written off by
// the journal before they get here.
func (m *Manager) Restore() error {
	recs, err := m.journal.Recover(time.Now())
	if err != nil {
		return fmt.Errorf("recovering journal: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if rec.ProcessedEventIDs == nil {
			rec.ProcessedEventIDs = make(map[string]bool)
		}
		m.active[rec.CallID] = rec
		if rec.ProviderCallID != "" {
			m.byProvider[rec.ProviderCallID] = rec.CallID
		}
		m.startTimerLocked(rec.CallID)
		m.logger.Info("restored in-flight call", "callId", rec.CallID, "state", rec.State)
	}
	return nil
}

// InitiateCall places an outbound call: preflight, concurrency check, record
// creation, then the carrier REST create. Returns the new call id.
func (m *Manager) InitiateCall(ctx context.Context, to, sessionKey string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	prov, webhookURL, streamURL := m.prov, m.webhookURL, m.streamURL
	m.mu.Unlock()
	if prov == nil || webhookURL == "" {
		return "", ErrProviderNotReady
	}

	if err := m.preflight.Check(ctx, webhookURL, streamURL); err != nil {
		return "", err
	}

	rec := &Record{
		CallID:            uuid.NewString(),
		Direction:         "outbound",
		State:             StateInitiated,
		From:              m.cfg.FromNumber,
		To:                to,
		SessionKey:        sessionKey,
		StartedAt:         time.Now().UnixMilli(),
		ProcessedEventIDs: make(map[string]bool),
		Metadata:          metadata,
	}

	m.mu.Lock()
	if m.activeCountLocked() >= m.cfg.MaxConcurrentCalls {
		m.mu.Unlock()
		return "", ErrTooManyCalls
	}
	m.active[rec.CallID] = rec
	m.mu.Unlock()

	m.persist(rec)
	m.logger.Info("initiating call", "callId", rec.CallID, "to", to)

	sid, err := prov.InitiateCall(ctx, rec.CallID, m.cfg.FromNumber, to, webhookURL)
	if err != nil {
		m.logger.Error("carrier create failed", "callId", rec.CallID, "error", err)
		m.transition(rec.CallID, StateFailed, "failed")
		return "", fmt.Errorf("placing call: %w", err)
	}

	m.mu.Lock()
	rec.ProviderCallID = sid
	m.byProvider[sid] = rec.CallID
	snapshot := rec.Clone()
	m.mu.Unlock()
	m.persistSnapshot(snapshot)
	return rec.CallID, nil
}

// EndCall hangs up an active call on our side. No-op if the call is already
// terminal.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		// Already finalized calls are a no-op, never an error.
		if stored, _, err := m.journal.Lookup(callID); err == nil && stored != nil && stored.State.Terminal() {
			return nil
		}
		return ErrCallNotFound
	}
	if rec.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	prov, sid := m.prov, rec.ProviderCallID
	m.mu.Unlock()

	if prov != nil && sid != "" {
		if err := prov.HangupCall(ctx, sid); err != nil {
			m.logger.Warn("carrier hangup failed", "callId", callID, "error", err)
		}
	}
	m.transition(callID, StateHangupBot, "hangup-bot")
	return nil
}

// ProcessEvent applies one normalized carrier event. Duplicate event ids and
// transitions the admission rule rejects are dropped silently.
func (m *Manager) ProcessEvent(ev provider.Event) {
	m.mu.Lock()
	rec := m.lookupLocked(ev.CallID, ev.ProviderCallID)
	if rec == nil {
		m.mu.Unlock()
		m.logger.Debug("event for unknown call", "type", string(ev.Type), "providerCallId", ev.ProviderCallID)
		return
	}
	if ev.ID != "" {
		if rec.ProcessedEventIDs[ev.ID] {
			m.mu.Unlock()
			return
		}
		rec.ProcessedEventIDs[ev.ID] = true
	}
	// The carrier may re-key a call; keep the reverse index pointed at the
	// latest provider id.
	if ev.ProviderCallID != "" && rec.ProviderCallID != ev.ProviderCallID {
		if rec.ProviderCallID != "" {
			delete(m.byProvider, rec.ProviderCallID)
		}
		rec.ProviderCallID = ev.ProviderCallID
		m.byProvider[ev.ProviderCallID] = rec.CallID
	}
	callID := rec.CallID
	m.mu.Unlock()

	switch ev.Type {
	case provider.EventInitiated:
		m.transition(callID, StateInitiated, "")
	case provider.EventRinging:
		m.transition(callID, StateRinging, "")
	case provider.EventAnswered:
		m.markAnswered(callID)
	case provider.EventEnded:
		m.transition(callID, stateForReason(ev.Reason), ev.Reason)
	case provider.EventSpeech:
		if ev.Text != "" {
			m.AddTranscript(callID, "user", ev.Text, ev.IsFinal)
		}
	case provider.EventDTMF:
		m.logger.Info("dtmf from remote party", "callId", callID, "digits", ev.Digits)
	default:
		m.logger.Debug("unhandled event type", "type", string(ev.Type))
	}
}

// MarkStreamStarted transitions a call to active when its media stream opens.
func (m *Manager) MarkStreamStarted(callID string) {
	m.transition(callID, StateActive, "")
}

// SetConversationState flips a call between speaking and listening.
func (m *Manager) SetConversationState(callID string, speaking bool) {
	next := StateListening
	if speaking {
		next = StateSpeaking
	}
	m.transition(callID, next, "")
}

// AddTranscript appends one utterance to the call transcript.
func (m *Manager) AddTranscript(callID, speaker, text string, isFinal bool) {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.Transcript = append(rec.Transcript, TranscriptEntry{
		Timestamp: time.Now().UnixMilli(),
		Speaker:   speaker,
		Text:      text,
		IsFinal:   isFinal,
	})
	snapshot := rec.Clone()
	m.mu.Unlock()
	m.persistSnapshot(snapshot)
}

// GetCall returns a snapshot of an active call.
func (m *Manager) GetCall(callID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[callID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetCallByProviderCallID resolves a carrier call id to an active call.
func (m *Manager) GetCallByProviderCallID(providerCallID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byProvider[providerCallID]
	if !ok {
		return nil, false
	}
	rec, ok := m.active[callID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetActiveCalls returns snapshots of every non-terminal call.
func (m *Manager) GetActiveCalls() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec.Clone())
	}
	return out
}

// GetCallFromStore looks a call up in the journal, active or not.
func (m *Manager) GetCallFromStore(callID string) (*Record, error) {
	if rec, ok := m.GetCall(callID); ok {
		return rec, nil
	}
	rec, ok, err := m.journal.Lookup(callID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCallNotFound
	}
	return rec, nil
}

// ListCalls returns the last snapshot of every journaled call, newest first.
func (m *Manager) ListCalls(limit int) ([]*Record, error) {
	recs, err := m.journal.All()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// ActiveCallCount reports the number of non-terminal calls, for metrics.
func (m *Manager) ActiveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

// EndReasonCounts reports how many calls ended with each reason since start,
// for metrics.
func (m *Manager) EndReasonCounts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.endCounts))
	for k, v := range m.endCounts {
		out[k] = v
	}
	return out
}

func (m *Manager) lookupLocked(callID, providerCallID string) *Record {
	if callID != "" {
		if rec, ok := m.active[callID]; ok {
			return rec
		}
	}
	if providerCallID != "" {
		if id, ok := m.byProvider[providerCallID]; ok {
			return m.active[id]
		}
	}
	return nil
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, rec := range m.active {
		if !rec.State.Terminal() {
			n++
		}
	}
	return n
}

// markAnswered records the answer time and starts the max-duration timer.
func (m *Manager) markAnswered(callID string) {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok || !admit(rec.State, StateAnswered) {
		m.mu.Unlock()
		return
	}
	rec.State = StateAnswered
	rec.AnsweredAt = time.Now().UnixMilli()
	m.startTimerLocked(callID)
	snapshot := rec.Clone()
	m.mu.Unlock()
	m.persistSnapshot(snapshot)
	m.logger.Info("call answered", "callId", callID)
}

// startTimerLocked arms the max-duration timer for a call. Caller holds mu.
func (m *Manager) startTimerLocked(callID string) {
	if m.cfg.MaxDuration <= 0 {
		return
	}
	if t, ok := m.timers[callID]; ok {
		t.Stop()
	}
	m.timers[callID] = time.AfterFunc(m.cfg.MaxDuration, func() {
		m.timeoutCall(callID)
	})
}

func (m *Manager) timeoutCall(callID string) {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok || rec.State.Terminal() {
		m.mu.Unlock()
		return
	}
	prov, sid := m.prov, rec.ProviderCallID
	m.mu.Unlock()

	m.logger.Warn("call exceeded max duration", "callId", callID)
	if prov != nil && sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := prov.HangupCall(ctx, sid); err != nil {
			m.logger.Warn("timeout hangup failed", "callId", callID, "error", err)
		}
	}
	m.transition(callID, StateTimeout, "timeout")
}

// transition applies the admission rule and, on a terminal target, finalizes
// the call: stops its timer, evicts it, and fires the completion callback
// exactly once.
func (m *Manager) transition(callID string, next State, reason string) {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok || !admit(rec.State, next) {
		m.mu.Unlock()
		return
	}
	prev := rec.State
	rec.State = next

	var final *Record
	var handler CompletionHandler
	if next.Terminal() {
		rec.EndedAt = time.Now().UnixMilli()
		rec.EndReason = reason
		if reason == "" {
			rec.EndReason = string(next)
		}
		m.endCounts[rec.EndReason]++
		if t, ok := m.timers[callID]; ok {
			t.Stop()
			delete(m.timers, callID)
		}
		delete(m.active, callID)
		if rec.ProviderCallID != "" {
			delete(m.byProvider, rec.ProviderCallID)
		}
		final = rec.Clone()
		handler = m.onComplete
	}
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.persistSnapshot(snapshot)
	m.logger.Info("call state changed", "callId", callID, "from", string(prev), "to", string(next))
	if final != nil && handler != nil {
		handler(final)
	}
}

func (m *Manager) persist(rec *Record) {
	m.mu.Lock()
	snapshot := rec.Clone()
	m.mu.Unlock()
	m.persistSnapshot(snapshot)
}

func (m *Manager) persistSnapshot(snapshot *Record) {
	if err := m.journal.Append(snapshot); err != nil {
		m.logger.Error("persisting call record failed", "callId", snapshot.CallID, "error", err)
	}
}

// stateForReason maps a carrier end reason onto its terminal state.
func stateForReason(reason string) State {
	switch reason {
	case "completed":
		return StateCompleted
	case "busy":
		return StateBusy
	case "no-answer":
		return StateNoAnswer
	case "hangup-bot":
		return StateHangupBot
	case "timeout":
		return StateTimeout
	case "failed", "":
		return StateFailed
	default:
		return StateFailed
	}
}
