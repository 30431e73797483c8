package call

import (
	"testing"
	"time"
)

func TestAdmit(t *testing.T) {
	tests := []struct {
		cur, next State
		want      bool
	}{
		{StateInitiated, StateRinging, true},
		{StateInitiated, StateAnswered, true},
		{StateRinging, StateInitiated, false},
		{StateRinging, StateRinging, false},
		{StateAnswered, StateActive, true},
		{StateAnswered, StateSpeaking, true},
		{StateActive, StateSpeaking, true},
		{StateActive, StateListening, true},
		{StateSpeaking, StateListening, true},
		{StateListening, StateSpeaking, true},
		{StateSpeaking, StateSpeaking, true},
		{StateSpeaking, StateActive, false},
		{StateListening, StateAnswered, false},
		{StateInitiated, StateCompleted, true},
		{StateSpeaking, StateHangupBot, true},
		{StateListening, StateTimeout, true},
		{StateCompleted, StateRinging, false},
		{StateCompleted, StateFailed, false},
		{StateError, StateListening, false},
	}
	for _, tt := range tests {
		if got := admit(tt.cur, tt.next); got != tt.want {
			t.Errorf("admit(%s, %s) = %v, want %v", tt.cur, tt.next, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateBusy, StateNoAnswer, StateFailed, StateHangupBot, StateTimeout, StateError}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []State{StateInitiated, StateRinging, StateAnswered, StateActive, StateSpeaking, StateListening}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := &Record{
		CallID:            "c1",
		State:             StateActive,
		Transcript:        []TranscriptEntry{{Speaker: "bot", Text: "hello"}},
		ProcessedEventIDs: map[string]bool{"e1": true},
		Metadata:          map[string]string{"initialMessage": "hi"},
	}
	c := rec.Clone()
	c.Transcript[0].Text = "changed"
	c.ProcessedEventIDs["e2"] = true
	c.Metadata["initialMessage"] = "changed"

	if rec.Transcript[0].Text != "hello" {
		t.Error("clone shares transcript backing array")
	}
	if rec.ProcessedEventIDs["e2"] {
		t.Error("clone shares processed event set")
	}
	if rec.Metadata["initialMessage"] != "hi" {
		t.Error("clone shares metadata map")
	}
}

func TestRecordDuration(t *testing.T) {
	now := time.Now()
	rec := &Record{StartedAt: now.Add(-90 * time.Second).UnixMilli()}
	if d := rec.Duration(now); d < 89*time.Second || d > 91*time.Second {
		t.Errorf("open call duration = %v", d)
	}
	rec.EndedAt = now.Add(-30 * time.Second).UnixMilli()
	if d := rec.Duration(now); d < 59*time.Second || d > 61*time.Second {
		t.Errorf("ended call duration = %v", d)
	}
}
