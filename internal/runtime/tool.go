package runtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/supercall/supercall/internal/call"
)

// ToolRequest is the single user-facing operation surface, discriminated by
// Action.
type ToolRequest struct {
	Action string `json:"action"`

	// persona_call fields.
	To          string `json:"to,omitempty"`
	Persona     string `json:"persona,omitempty"`
	Goal        string `json:"goal,omitempty"`
	OpeningLine string `json:"openingLine,omitempty"`
	SessionKey  string `json:"sessionKey,omitempty"`

	// get_status and end_call field.
	CallID string `json:"callId,omitempty"`

	// list_calls field.
	Limit int `json:"limit,omitempty"`
}

// CallStatus is the get_status result.
type CallStatus struct {
	CallID     string                 `json:"callId"`
	State      string                 `json:"state"`
	To         string                 `json:"to"`
	Persona    string                 `json:"persona,omitempty"`
	Goal       string                 `json:"goal,omitempty"`
	EndReason  string                 `json:"endReason,omitempty"`
	Transcript []call.TranscriptEntry `json:"transcript,omitempty"`
}

// CallSummary is one list_calls row.
type CallSummary struct {
	CallID          string `json:"callId"`
	To              string `json:"to"`
	State           string `json:"state"`
	Persona         string `json:"persona,omitempty"`
	Goal            string `json:"goal,omitempty"`
	StartedAt       int64  `json:"startedAt"`
	DurationSeconds int64  `json:"durationSeconds"`
	EndReason       string `json:"endReason,omitempty"`
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// HandleTool executes one user-facing operation.
func (rt *Runtime) HandleTool(ctx context.Context, req ToolRequest) (any, error) {
	switch req.Action {
	case "persona_call":
		return rt.personaCall(ctx, req)
	case "get_status":
		return rt.getStatus(req.CallID)
	case "end_call":
		return rt.endCall(ctx, req.CallID)
	case "list_calls":
		return rt.listCalls(req.Limit)
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

func (rt *Runtime) personaCall(ctx context.Context, req ToolRequest) (any, error) {
	switch {
	case req.To == "":
		return nil, errors.New("persona_call requires to")
	case !e164.MatchString(req.To):
		return nil, fmt.Errorf("to must be E.164, got %q", req.To)
	case req.Persona == "":
		return nil, errors.New("persona_call requires persona")
	case req.Goal == "":
		return nil, errors.New("persona_call requires goal")
	case req.OpeningLine == "":
		return nil, errors.New("persona_call requires openingLine")
	case req.SessionKey == "":
		return nil, errors.New("persona_call requires sessionKey")
	}

	personaPrompt := buildPersonaPrompt(req.Persona, req.Goal, req.To)
	callID, err := rt.manager.InitiateCall(ctx, req.To, req.SessionKey, map[string]string{
		"persona":        req.Persona,
		"goal":           req.Goal,
		"personaPrompt":  personaPrompt,
		"initialMessage": req.OpeningLine,
	})
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.personaCalls[callID] = PersonaCallInfo{Persona: req.Persona, Goal: req.Goal}
	rt.mu.Unlock()

	return map[string]any{"callId": callID, "ok": true}, nil
}

func (rt *Runtime) getStatus(callID string) (any, error) {
	if callID == "" {
		return nil, errors.New("get_status requires callId")
	}
	rec, err := rt.manager.GetCallFromStore(callID)
	if err != nil {
		return nil, err
	}
	return &CallStatus{
		CallID:     rec.CallID,
		State:      string(rec.State),
		To:         rec.To,
		Persona:    rec.Metadata["persona"],
		Goal:       rec.Metadata["goal"],
		EndReason:  rec.EndReason,
		Transcript: rec.Transcript,
	}, nil
}

func (rt *Runtime) endCall(ctx context.Context, callID string) (any, error) {
	if callID == "" {
		return nil, errors.New("end_call requires callId")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rt.manager.EndCall(ctx, callID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (rt *Runtime) listCalls(limit int) (any, error) {
	if limit <= 0 {
		limit = 20
	}
	recs, err := rt.manager.ListCalls(limit)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]CallSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, CallSummary{
			CallID:          rec.CallID,
			To:              rec.To,
			State:           string(rec.State),
			Persona:         rec.Metadata["persona"],
			Goal:            rec.Metadata["goal"],
			StartedAt:       rec.StartedAt,
			DurationSeconds: int64(rec.Duration(now).Seconds()),
			EndReason:       rec.EndReason,
		})
	}
	return out, nil
}
