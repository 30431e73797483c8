package model

import "encoding/json"

// Wire types for the realtime model websocket. Only the fields this process
// reads or writes are declared; unknown fields are ignored on decode.

// clientEvent is the envelope for events sent to the model.
type clientEvent struct {
	Type     string           `json:"type"`
	Session  *sessionConfig   `json:"session,omitempty"`
	Audio    string           `json:"audio,omitempty"`
	Item     *conversationItem `json:"item,omitempty"`
}

// sessionConfig is the payload of a session.update event.
type sessionConfig struct {
	Type             string       `json:"type"`
	OutputModalities []string     `json:"output_modalities,omitempty"`
	Instructions     string       `json:"instructions,omitempty"`
	Audio            *audioConfig `json:"audio,omitempty"`
	Tools            []toolDef    `json:"tools,omitempty"`
}

type audioConfig struct {
	Input  *audioInputConfig  `json:"input,omitempty"`
	Output *audioOutputConfig `json:"output,omitempty"`
}

type audioInputConfig struct {
	Format        audioFormat          `json:"format"`
	Transcription *transcriptionConfig `json:"transcription,omitempty"`
	TurnDetection *turnDetection       `json:"turn_detection,omitempty"`
}

type audioOutputConfig struct {
	Format audioFormat `json:"format"`
}

// audioFormat names a codec; telephony uses G.711 µ-law at 8 kHz mono.
type audioFormat struct {
	Type string `json:"type"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type toolDef struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// conversationItem is the payload of a conversation.item.create event.
type conversationItem struct {
	Type    string            `json:"type"`
	Role    string            `json:"role,omitempty"`
	Content []contentPart     `json:"content,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
	Output  string            `json:"output,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// serverEvent is the envelope for events received from the model.
type serverEvent struct {
	Type string `json:"type"`

	// response.output_audio.delta and transcription deltas.
	Delta  string `json:"delta,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// transcript fields.
	Transcript string `json:"transcript,omitempty"`

	// response.done payload.
	Response *responsePayload `json:"response,omitempty"`

	// error payload.
	Error *serverError `json:"error,omitempty"`
}

type responsePayload struct {
	Output []outputItem `json:"output"`
}

type outputItem struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Tool argument shapes.

type hangupArgs struct {
	Reason string `json:"reason"`
}

type dtmfArgs struct {
	Digits string `json:"digits"`
}
