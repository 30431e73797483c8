// Package bridge terminates the carrier media-stream websocket and pumps
// audio between the carrier and the realtime model session, serializing
// hangups and DTMF injection behind playback-complete marks.
package bridge

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/supercall/supercall/internal/audio"
	"github.com/supercall/supercall/internal/model"
)

const (
	// hangupBarrierTimeout bounds the wait for the carrier to confirm that
	// the goodbye audio has drained before the call is torn down.
	hangupBarrierTimeout = 30 * time.Second

	// dtmfBarrierTimeout bounds the wait before keypad tones are injected.
	dtmfBarrierTimeout = 5 * time.Second

	// frameInterval paces injected tone frames at the telephony frame rate.
	frameInterval = 20 * time.Millisecond
)

// CallInfo is what the bridge needs to start a model session for a call.
type CallInfo struct {
	CallID       string
	Instructions string
	Greeting     string
}

// ModelSession is the slice of the model session the bridge drives.
type ModelSession interface {
	Connect(ctx context.Context) error
	SendAudio(audio []byte)
	Close()
	Done() <-chan struct{}
}

// Hooks connect the bridge to the rest of the system. LookupCall and
// NewSession are required; the rest may be nil.
type Hooks struct {
	// LookupCall resolves a carrier call id to the call context. A miss
	// closes the stream.
	LookupCall func(providerCallID string) (CallInfo, bool)

	// NewSession builds the per-call model session with the bridge's
	// callbacks installed.
	NewSession func(info CallInfo, cb model.Callbacks) ModelSession

	// OnStreamStart fires when a media stream binds to a call.
	OnStreamStart func(callID string)

	// OnSpeaking reports turn changes: true while the model is talking.
	OnSpeaking func(callID string, speaking bool)

	// OnTranscript delivers finalized utterances. Speaker is "bot" or "user".
	OnTranscript func(callID, speaker, text string)

	// Hangup ends the call after the hangup barrier resolves or times out.
	Hangup func(callID, reason string)
}

// Bridge accepts media-stream upgrades and runs one stream per live call.
type Bridge struct {
	hooks    Hooks
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream // by provider call id
}

// New creates a bridge.
func New(hooks Hooks, logger *slog.Logger) *Bridge {
	return &Bridge{
		hooks:  hooks,
		logger: logger.With("subsystem", "bridge"),
		upgrader: websocket.Upgrader{
			// The carrier does not send a browser Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streams: make(map[string]*stream),
	}
}

// ActiveStreams reports the number of live media streams, for metrics.
func (b *Bridge) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// HandleStream upgrades the request and serves the media stream until it
// ends. Connections that never send a start frame (reachability probes)
// come and go without side effects.
func (b *Bridge) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	st := &stream{b: b, conn: conn, logger: b.logger}
	st.run()
}

// stream is one carrier media stream and its paired model session.
type stream struct {
	b      *Bridge
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	streamSid      string
	providerCallID string
	callID         string
	session        ModelSession

	mu            sync.Mutex
	hangupBarrier *barrier
	dtmfBarrier   *barrier
	speaking      bool
}

func (st *stream) run() {
	defer st.cleanup()

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return st.readLoop(ctx) })
	if err := g.Wait(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		st.logger.Debug("stream ended", "providerCallId", st.providerCallID, "error", err)
	}
}

func (st *stream) readLoop(ctx context.Context) error {
	for {
		var frame carrierFrame
		if err := st.conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Event {
		case eventConnected:
			// Protocol preamble, nothing to do.

		case eventStart:
			if frame.Start == nil {
				continue
			}
			if err := st.handleStart(ctx, frame.Start); err != nil {
				return err
			}

		case eventMedia:
			if frame.Media == nil || st.session == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				st.logger.Debug("bad media payload", "error", err)
				continue
			}
			st.session.SendAudio(payload)

		case eventMark:
			if frame.Mark != nil {
				st.resolveMark(frame.Mark.Name)
			}

		case eventStop:
			st.logger.Info("media stream stopped", "callId", st.callID)
			return nil
		}
	}
}

// handleStart binds the stream to a call and spins up the model session.
// A second upgrade for the same carrier call loses: the first stream keeps
// the call and this socket is closed.
func (st *stream) handleStart(ctx context.Context, start *startPayload) error {
	st.b.mu.Lock()
	if _, dup := st.b.streams[start.CallSid]; dup {
		st.b.mu.Unlock()
		st.logger.Warn("duplicate media stream for call, closing", "providerCallId", start.CallSid)
		st.conn.Close()
		return nil
	}
	st.b.streams[start.CallSid] = st
	st.b.mu.Unlock()

	st.streamSid = start.StreamSid
	st.providerCallID = start.CallSid

	info, ok := st.b.hooks.LookupCall(start.CallSid)
	if !ok {
		st.logger.Warn("media stream for unknown call", "providerCallId", start.CallSid)
		st.conn.Close()
		return nil
	}
	st.callID = info.CallID
	st.logger.Info("media stream started", "callId", st.callID, "streamSid", st.streamSid)

	session := st.b.hooks.NewSession(info, model.Callbacks{
		OnAudioOutput:         st.forwardModelAudio,
		OnSpeechStart:         func() { st.setSpeaking(false) },
		OnResponseDone:        func() { st.setSpeaking(false) },
		OnUserTranscript:      func(text string) { st.transcript("user", text) },
		OnAssistantTranscript: func(text string) { st.transcript("bot", text) },
		OnHangupRequested:     st.requestHangup,
		OnDTMFRequested:       st.requestDTMF,
	})
	if err := session.Connect(ctx); err != nil {
		st.logger.Error("model session connect failed", "callId", st.callID, "error", err)
		st.conn.Close()
		return nil
	}
	st.session = session

	// If the model socket dies first, drop the carrier stream too.
	go func() {
		<-session.Done()
		st.conn.Close()
	}()

	if st.b.hooks.OnStreamStart != nil {
		st.b.hooks.OnStreamStart(st.callID)
	}
	return nil
}

// forwardModelAudio relays model audio to the carrier. The first frame after
// a turn boundary flips the call to speaking.
func (st *stream) forwardModelAudio(payload []byte) {
	st.setSpeaking(true)
	st.writeFrame(carrierFrame{
		Event:     eventMedia,
		StreamSid: st.streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

func (st *stream) setSpeaking(speaking bool) {
	st.mu.Lock()
	changed := st.speaking != speaking
	st.speaking = speaking
	st.mu.Unlock()
	if changed && st.b.hooks.OnSpeaking != nil {
		st.b.hooks.OnSpeaking(st.callID, speaking)
	}
}

func (st *stream) transcript(speaker, text string) {
	if st.b.hooks.OnTranscript != nil {
		st.b.hooks.OnTranscript(st.callID, speaker, text)
	}
}

// requestHangup sends the hangup mark and ends the call once the carrier
// confirms playback, or after the barrier timeout. Duplicate requests while
// one is pending are ignored.
func (st *stream) requestHangup(reason string) {
	st.mu.Lock()
	if st.hangupBarrier != nil {
		st.mu.Unlock()
		st.logger.Debug("hangup already pending", "callId", st.callID)
		return
	}
	bar := newBarrier()
	st.hangupBarrier = bar
	st.mu.Unlock()

	st.logger.Info("model requested hangup", "callId", st.callID, "reason", reason)
	st.writeFrame(carrierFrame{
		Event:     eventMark,
		StreamSid: st.streamSid,
		Mark:      &markPayload{Name: markHangup},
	})
	go func() {
		if !bar.wait(hangupBarrierTimeout) {
			st.logger.Warn("hangup barrier timed out, hanging up anyway", "callId", st.callID)
		}
		if st.b.hooks.Hangup != nil {
			st.b.hooks.Hangup(st.callID, reason)
		}
	}()
}

// requestDTMF sends the dtmf mark, waits for playback to drain, then
// synthesizes the tones and injects them at the live frame rate. A request
// while an injection is pending is dropped, so two tone sequences never
// interleave on the wire.
func (st *stream) requestDTMF(digits string) {
	st.mu.Lock()
	if st.dtmfBarrier != nil {
		st.mu.Unlock()
		st.logger.Debug("dtmf injection already pending, dropping request", "callId", st.callID, "digits", digits)
		return
	}
	bar := newBarrier()
	st.dtmfBarrier = bar
	st.mu.Unlock()

	st.logger.Info("model requested dtmf", "callId", st.callID, "digits", digits)
	st.writeFrame(carrierFrame{
		Event:     eventMark,
		StreamSid: st.streamSid,
		Mark:      &markPayload{Name: markDTMF},
	})
	go func() {
		// The pending latch stays held until injection finishes, not just
		// until the mark echoes.
		defer func() {
			st.mu.Lock()
			if st.dtmfBarrier == bar {
				st.dtmfBarrier = nil
			}
			st.mu.Unlock()
		}()

		bar.wait(dtmfBarrierTimeout)
		frames := audio.ChunkForStream(audio.GenerateDTMF(digits))
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		for _, frame := range frames {
			if err := st.writeFrame(carrierFrame{
				Event:     eventMedia,
				StreamSid: st.streamSid,
				Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
			}); err != nil {
				return
			}
			<-ticker.C
		}
	}()
}

func (st *stream) resolveMark(name string) {
	st.mu.Lock()
	var bar *barrier
	switch name {
	case markHangup:
		bar = st.hangupBarrier
	case markDTMF:
		// The injection goroutine clears the field once it finishes.
		bar = st.dtmfBarrier
	}
	st.mu.Unlock()
	if bar != nil {
		bar.resolve()
	}
}

func (st *stream) writeFrame(frame carrierFrame) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.conn.WriteJSON(frame)
}

func (st *stream) cleanup() {
	if st.session != nil {
		st.session.Close()
	}
	st.conn.Close()
	if st.providerCallID != "" {
		st.b.mu.Lock()
		if st.b.streams[st.providerCallID] == st {
			delete(st.b.streams, st.providerCallID)
		}
		st.b.mu.Unlock()
	}
	// Unblock any pending barriers so their goroutines finish.
	st.mu.Lock()
	hb, db := st.hangupBarrier, st.dtmfBarrier
	st.mu.Unlock()
	if hb != nil {
		hb.resolve()
	}
	if db != nil {
		db.resolve()
	}
}

// barrier is a one-shot latch raced against a timeout.
type barrier struct {
	once sync.Once
	ch   chan struct{}
}

func newBarrier() *barrier {
	return &barrier{ch: make(chan struct{})}
}

func (b *barrier) resolve() {
	b.once.Do(func() { close(b.ch) })
}

// wait blocks until the barrier resolves or the timeout expires; it reports
// whether the barrier resolved in time.
func (b *barrier) wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-b.ch:
		return true
	case <-t.C:
		return false
	}
}
