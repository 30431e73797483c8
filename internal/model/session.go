// Package model drives the realtime speech-to-speech websocket for one call:
// session configuration, audio in both directions, transcripts, and
// model-initiated tool calls.
package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultEndpoint is the realtime websocket endpoint.
	DefaultEndpoint = "wss://api.openai.com/v1/realtime"

	// defaultDialTimeout bounds the websocket handshake.
	defaultDialTimeout = 10 * time.Second

	// sessionSettleDelay is how long to wait after the socket opens before
	// sending session.update; the server rejects configuration sent before
	// its session.created event has gone out.
	sessionSettleDelay = 250 * time.Millisecond

	// greetingResponseDelay separates the synthetic greeting message from
	// the response.create that triggers the model to speak it.
	greetingResponseDelay = 100 * time.Millisecond
)

// Config configures a realtime model session.
type Config struct {
	APIKey      string
	Endpoint    string // defaults to DefaultEndpoint
	Model       string
	Temperature float64

	// Instructions is the full system prompt, composed once at session
	// creation (date line, IVR rubric, persona prompt).
	Instructions string

	// InitialGreeting, when set, makes the model speak first by injecting
	// a synthetic user message after session.updated.
	InitialGreeting string

	TranscriptionModel string
	VADThreshold       float64
	SilenceDurationMs  int

	DialTimeout time.Duration
}

// Callbacks receive session events. Nil callbacks are skipped. All callbacks
// fire on the session's read goroutine.
type Callbacks struct {
	OnAudioOutput         func(audio []byte)
	OnUserTranscript      func(text string)
	OnAssistantTranscript func(text string)
	OnSpeechStart         func()
	OnResponseDone        func()
	OnHangupRequested     func(reason string)
	OnDTMFRequested       func(digits string)
}

// Session is one realtime model conversation. Create with NewSession, start
// with Connect, and always Close when the call ends.
type Session struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool

	closeOnce sync.Once
	done      chan struct{}

	greetingOnce sync.Once

	// partial input transcriptions accumulated per item id. Only touched
	// from the read goroutine.
	partials map[string]string
}

// NewSession creates a session; no network activity happens until Connect.
func NewSession(cfg Config, cb Callbacks, logger *slog.Logger) *Session {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Session{
		cfg:      cfg,
		cb:       cb,
		logger:   logger.With("subsystem", "model-session"),
		done:     make(chan struct{}),
		partials: make(map[string]string),
	}
}

// Connect opens the websocket, waits for the session to settle, and sends
// the session configuration. The handshake is bounded by the configured
// dial timeout.
func (s *Session) Connect(ctx context.Context) error {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("parsing model endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", s.cfg.Model)
	q.Set("temperature", strconv.FormatFloat(s.cfg.Temperature, 'g', -1, 64))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dialing model websocket: %w", err)
	}
	s.conn = conn

	go s.readLoop()

	time.Sleep(sessionSettleDelay)
	if err := s.sendSessionUpdate(); err != nil {
		s.Close()
		return err
	}

	s.connected.Store(true)
	s.logger.Info("model session connected", "model", s.cfg.Model)
	return nil
}

// SendAudio forwards one µ-law audio frame to the model. It is a no-op
// until the session is connected.
func (s *Session) SendAudio(audio []byte) {
	if !s.connected.Load() {
		return
	}
	ev := clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio),
	}
	if err := s.writeJSON(ev); err != nil {
		s.logger.Debug("audio append failed", "error", err)
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Done is closed when the session ends, either by Close or a socket error.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// sendSessionUpdate pushes the full session configuration: µ-law audio both
// ways, server VAD turn detection with interruption, input transcription,
// the composed instructions, and the two call-control tools.
func (s *Session) sendSessionUpdate() error {
	transcriptionModel := s.cfg.TranscriptionModel
	if transcriptionModel == "" {
		transcriptionModel = "whisper-1"
	}

	ev := clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			Type:             "realtime",
			OutputModalities: []string{"audio"},
			Instructions:     s.cfg.Instructions,
			Audio: &audioConfig{
				Input: &audioInputConfig{
					Format:        audioFormat{Type: "audio/pcmu"},
					Transcription: &transcriptionConfig{Model: transcriptionModel},
					TurnDetection: &turnDetection{
						Type:              "server_vad",
						Threshold:         s.cfg.VADThreshold,
						SilenceDurationMs: s.cfg.SilenceDurationMs,
						InterruptResponse: true,
					},
				},
				Output: &audioOutputConfig{
					Format: audioFormat{Type: "audio/pcmu"},
				},
			},
			Tools: []toolDef{
				{
					Type:        "function",
					Name:        "hangup",
					Description: "End the phone call once the goal is achieved or the conversation is over.",
					Parameters:  json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string","description":"Why the call is ending"}},"required":["reason"]}`),
				},
				{
					Type:        "function",
					Name:        "send_dtmf",
					Description: "Press buttons on the phone keypad, e.g. to navigate a phone menu. Use w for a half-second pause.",
					Parameters:  json.RawMessage(`{"type":"object","properties":{"digits":{"type":"string","description":"Digits to press: 0-9, *, #, A-D, w"}},"required":["digits"]}`),
				},
			},
		},
	}
	if err := s.writeJSON(ev); err != nil {
		return fmt.Errorf("sending session.update: %w", err)
	}
	return nil
}

// sendGreeting makes the model speak first: a synthetic user message with a
// verbatim directive, then a response.create shortly after. Runs at most once.
func (s *Session) sendGreeting() {
	if s.cfg.InitialGreeting == "" {
		return
	}
	s.greetingOnce.Do(func() {
		directive := fmt.Sprintf(
			`[SYSTEM: The call has just been answered. Greet the person. Say exactly: %q]`,
			s.cfg.InitialGreeting,
		)
		ev := clientEvent{
			Type: "conversation.item.create",
			Item: &conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []contentPart{{Type: "input_text", Text: directive}},
			},
		}
		if err := s.writeJSON(ev); err != nil {
			s.logger.Warn("sending greeting item failed", "error", err)
			return
		}
		time.AfterFunc(greetingResponseDelay, func() {
			select {
			case <-s.done:
				return
			default:
			}
			if err := s.writeJSON(clientEvent{Type: "response.create"}); err != nil {
				s.logger.Warn("greeting response.create failed", "error", err)
			}
		})
	})
}

// readLoop decodes server events until the socket closes.
func (s *Session) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("model socket closed", "error", err)
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("undecodable model event", "error", err)
			continue
		}
		s.handleEvent(&ev)
	}
}

func (s *Session) handleEvent(ev *serverEvent) {
	switch ev.Type {
	case "session.updated":
		s.sendGreeting()

	case "input_audio_buffer.speech_started":
		if s.cb.OnSpeechStart != nil {
			s.cb.OnSpeechStart()
		}

	case "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.logger.Debug("bad audio delta", "error", err)
			return
		}
		if s.cb.OnAudioOutput != nil {
			s.cb.OnAudioOutput(audio)
		}

	case "response.output_audio_transcript.done":
		if s.cb.OnAssistantTranscript != nil && ev.Transcript != "" {
			s.cb.OnAssistantTranscript(ev.Transcript)
		}

	case "conversation.item.input_audio_transcription.delta":
		s.partials[ev.ItemID] += ev.Delta

	case "conversation.item.input_audio_transcription.completed":
		text := ev.Transcript
		if text == "" {
			text = s.partials[ev.ItemID]
		}
		delete(s.partials, ev.ItemID)
		if s.cb.OnUserTranscript != nil && text != "" {
			s.cb.OnUserTranscript(text)
		}

	case "response.done":
		s.handleResponseDone(ev.Response)

	case "error":
		if ev.Error != nil {
			s.logger.Error("model error event", "code", ev.Error.Code, "message", ev.Error.Message)
		}
	}
}

// handleResponseDone dispatches tool calls. Function calls are acted on only
// here, never from intermediate argument events, so a hangup cannot fire
// twice within one response.
func (s *Session) handleResponseDone(resp *responsePayload) {
	if resp != nil {
		for _, item := range resp.Output {
			if item.Type != "function_call" {
				continue
			}
			s.dispatchTool(item)
		}
	}
	if s.cb.OnResponseDone != nil {
		s.cb.OnResponseDone()
	}
}

func (s *Session) dispatchTool(item outputItem) {
	switch item.Name {
	case "hangup":
		var args hangupArgs
		if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
			s.logger.Warn("bad hangup arguments", "error", err)
		}
		s.ackTool(item.CallID)
		if s.cb.OnHangupRequested != nil {
			s.cb.OnHangupRequested(args.Reason)
		}

	case "send_dtmf":
		var args dtmfArgs
		if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
			s.logger.Warn("bad send_dtmf arguments", "error", err)
			return
		}
		s.ackTool(item.CallID)
		if s.cb.OnDTMFRequested != nil && args.Digits != "" {
			s.cb.OnDTMFRequested(args.Digits)
		}

	default:
		s.logger.Warn("unknown tool call", "name", item.Name)
	}
}

// ackTool answers a function call so the model does not stall waiting for
// its output.
func (s *Session) ackTool(callID string) {
	ev := clientEvent{
		Type: "conversation.item.create",
		Item: &conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: `{"ok":true}`,
		},
	}
	if err := s.writeJSON(ev); err != nil {
		s.logger.Debug("tool ack failed", "error", err)
	}
}
