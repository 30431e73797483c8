package bridge

// Wire types for the carrier media-stream websocket. Frames are JSON text
// messages with an event discriminator.

type carrierFrame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

// startPayload arrives once per stream and binds it to a carrier call.
type startPayload struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
	AccountSid string `json:"accountSid,omitempty"`
}

// mediaPayload carries one base64 µ-law frame.
type mediaPayload struct {
	Payload string `json:"payload"`
}

// markPayload names a playback barrier. The carrier echoes a mark back once
// all audio sent before it has been played to the remote party.
type markPayload struct {
	Name string `json:"name"`
}

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
)

const (
	markHangup = "hangup"
	markDTMF   = "dtmf"
)
