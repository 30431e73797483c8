// Package call owns the per-call state machine, the active call set, the
// append-only journal, and the reachability preflight that gates outbound
// dialing.
package call

import "time"

// State is a call lifecycle state. Non-terminal states move forward along
// initiated → ringing → answered → active, then alternate freely between
// speaking and listening until a terminal state is reached.
type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateAnswered  State = "answered"
	StateActive    State = "active"
	StateSpeaking  State = "speaking"
	StateListening State = "listening"

	// Terminal states.
	StateCompleted State = "completed"
	StateBusy      State = "busy"
	StateNoAnswer  State = "no-answer"
	StateFailed    State = "failed"
	StateHangupBot State = "hangup-bot"
	StateTimeout   State = "timeout"
	StateError     State = "error"
)

// progression assigns each non-terminal state its ordinal in the forward
// progression. Speaking and listening share an ordinal: transitions between
// them are unordered.
var progression = map[State]int{
	StateInitiated: 0,
	StateRinging:   1,
	StateAnswered:  2,
	StateActive:    3,
	StateSpeaking:  4,
	StateListening: 4,
}

// Terminal reports whether the state ends the call.
func (s State) Terminal() bool {
	_, nonTerminal := progression[s]
	return !nonTerminal
}

// conversational reports whether the state is one of the two in-conversation
// states that may alternate freely.
func (s State) conversational() bool {
	return s == StateSpeaking || s == StateListening
}

// admit decides whether a transition from cur to next is allowed: the
// current state must be non-terminal, and the target must either be
// terminal, a sibling conversational state, or strictly further along the
// progression. Everything else is dropped.
func admit(cur, next State) bool {
	if cur.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	if cur.conversational() && next.conversational() {
		return true
	}
	return progression[next] > progression[cur]
}

// TranscriptEntry is one utterance in a call transcript.
type TranscriptEntry struct {
	Timestamp int64  `json:"timestamp"`
	Speaker   string `json:"speaker"` // "bot" or "user"
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
}

// Record is the persistent state of one call. Every mutation is appended to
// the journal; the last line per callId wins on reload.
type Record struct {
	CallID         string `json:"callId"`
	ProviderCallID string `json:"providerCallId,omitempty"`
	Direction      string `json:"direction"`
	State          State  `json:"state"`
	From           string `json:"from"`
	To             string `json:"to"`
	SessionKey     string `json:"sessionKey,omitempty"`

	StartedAt  int64 `json:"startedAt"`
	AnsweredAt int64 `json:"answeredAt,omitempty"`
	EndedAt    int64 `json:"endedAt,omitempty"`

	EndReason  string            `json:"endReason,omitempty"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`

	// ProcessedEventIDs records carrier event ids already applied, so
	// duplicate webhook deliveries are ignored.
	ProcessedEventIDs map[string]bool `json:"processedEventIds,omitempty"`

	// Metadata carries free-form call context. Recognized keys:
	// personaPrompt, initialMessage, isolatedSession, persona, goal.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand outside the manager's lock.
func (r *Record) Clone() *Record {
	c := *r
	if r.Transcript != nil {
		c.Transcript = append([]TranscriptEntry(nil), r.Transcript...)
	}
	if r.ProcessedEventIDs != nil {
		c.ProcessedEventIDs = make(map[string]bool, len(r.ProcessedEventIDs))
		for k, v := range r.ProcessedEventIDs {
			c.ProcessedEventIDs[k] = v
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Duration returns the elapsed call time: ended-to-started for finished
// calls, now-to-started otherwise.
func (r *Record) Duration(now time.Time) time.Duration {
	end := r.EndedAt
	if end == 0 {
		end = now.UnixMilli()
	}
	return time.Duration(end-r.StartedAt) * time.Millisecond
}
