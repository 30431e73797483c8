// Package runtime assembles the server: carrier provider, call manager,
// audio bridge, front door, tunnel, and the user-facing tool surface.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/supercall/supercall/internal/api"
	"github.com/supercall/supercall/internal/bridge"
	"github.com/supercall/supercall/internal/call"
	"github.com/supercall/supercall/internal/config"
	"github.com/supercall/supercall/internal/metrics"
	"github.com/supercall/supercall/internal/model"
	"github.com/supercall/supercall/internal/provider"
	"github.com/supercall/supercall/internal/tunnel"
)

// PersonaCallInfo decorates status and completion output for a persona call.
type PersonaCallInfo struct {
	Persona string
	Goal    string
}

// Runtime owns every long-lived component and the process boot secret.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	bootSecret string
	journal    *call.Journal
	manager    *call.Manager
	bridge     *bridge.Bridge
	prov       provider.Provider
	server     *api.Server
	httpSrv    *http.Server
	listener   net.Listener
	tun        tunnel.Tunnel
	wake       *wakeClient

	mu           sync.Mutex
	publicURL    string
	personaCalls map[string]PersonaCallInfo
}

// New wires the components together. No network activity happens until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating boot secret: %w", err)
	}

	journal, err := call.OpenJournal(cfg.StoreDir, logger)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:          cfg,
		logger:       logger.With("subsystem", "runtime"),
		bootSecret:   hex.EncodeToString(secret),
		journal:      journal,
		personaCalls: make(map[string]PersonaCallInfo),
	}

	rt.manager = call.NewManager(call.ManagerConfig{
		FromNumber:         cfg.FromNumber,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		MaxDuration:        time.Duration(cfg.MaxDurationSeconds) * time.Second,
	}, journal, call.NewPreflight(rt.bootSecret, logger), logger)
	rt.manager.SetOnCallComplete(rt.onCallComplete)

	switch cfg.Provider {
	case "twilio":
		rt.prov = provider.NewTwilio(cfg.TwilioAccountSid, cfg.TwilioAuthToken, cfg.StreamPath, logger)
	case "mock":
		rt.prov = provider.NewMock()
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	rt.bridge = bridge.New(bridge.Hooks{
		LookupCall:    rt.lookupStreamCall,
		NewSession:    rt.newModelSession,
		OnStreamStart: rt.manager.MarkStreamStarted,
		OnSpeaking:    rt.manager.SetConversationState,
		OnTranscript: func(callID, speaker, text string) {
			rt.manager.AddTranscript(callID, speaker, text, true)
		},
		Hangup: func(callID, reason string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.manager.EndCall(ctx, callID); err != nil {
				rt.logger.Warn("hangup after barrier failed", "callId", callID, "error", err)
			}
		},
	}, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(metrics.NewCollector(rt.manager, rt.manager, rt.bridge, time.Now()))

	rt.server = api.NewServer(api.Config{
		WebhookPath: cfg.WebhookPath,
		StreamPath:  cfg.StreamPath,
		BootSecret:  rt.bootSecret,
	}, rt.prov, rt.manager, rt.bridge.HandleStream, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	rt.wake = newWakeClient(cfg.WakePort, cfg.WakeToken, logger)
	return rt, nil
}

// Start restores journaled calls, binds the listener, and discovers the
// public URL.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.manager.Restore(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", rt.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", rt.cfg.ListenAddr(), err)
	}
	rt.listener = ln
	rt.httpSrv = &http.Server{
		Handler:           rt.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := rt.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("http server failed", "error", err)
		}
	}()
	rt.logger.Info("listening", "addr", ln.Addr().String())

	publicURL, err := rt.discoverPublicURL(ctx)
	if err != nil {
		return err
	}
	if publicURL == "" {
		rt.logger.Warn("no public URL available; calls cannot be placed until one is configured")
		return nil
	}
	rt.setPublicURL(publicURL)
	return nil
}

// Addr returns the bound listener address.
func (rt *Runtime) Addr() string {
	if rt.listener == nil {
		return ""
	}
	return rt.listener.Addr().String()
}

// discoverPublicURL resolves how the carrier reaches us: an explicit
// override wins, then the configured tunnel helper.
func (rt *Runtime) discoverPublicURL(ctx context.Context) (string, error) {
	if rt.cfg.PublicURL != "" {
		return strings.TrimSuffix(rt.cfg.PublicURL, "/"), nil
	}
	tun, err := tunnel.New(rt.cfg.TunnelProvider, rt.cfg.Port, rt.logger)
	if err != nil {
		return "", err
	}
	if tun == nil {
		return "", nil
	}
	url, err := tun.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("starting tunnel: %w", err)
	}
	rt.tun = tun
	return url, nil
}

// setPublicURL finalizes the call path: the provider learns where to point
// its stream URLs and the manager learns the preflight endpoints.
func (rt *Runtime) setPublicURL(publicURL string) {
	rt.mu.Lock()
	rt.publicURL = publicURL
	rt.mu.Unlock()

	if tw, ok := rt.prov.(*provider.Twilio); ok {
		tw.SetPublicURL(publicURL)
	}
	rt.manager.SetProvider(rt.prov,
		publicURL+rt.cfg.WebhookPath,
		wsOrigin(publicURL)+rt.cfg.StreamPath,
	)
	rt.logger.Info("public URL set", "publicUrl", publicURL)
}

// wsOrigin converts an http(s) origin to its websocket scheme.
func wsOrigin(origin string) string {
	switch {
	case strings.HasPrefix(origin, "https://"):
		return "wss://" + strings.TrimPrefix(origin, "https://")
	case strings.HasPrefix(origin, "http://"):
		return "ws://" + strings.TrimPrefix(origin, "http://")
	default:
		return origin
	}
}

// Shutdown tears everything down: tunnel first so no new carrier traffic
// arrives, then the HTTP server, then the journal.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error
	if rt.tun != nil {
		if err := rt.tun.Stop(); err != nil {
			rt.logger.Warn("tunnel stop failed", "error", err)
			firstErr = err
		}
	}
	if rt.httpSrv != nil {
		if err := rt.httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rt.server.Close()
	if err := rt.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// lookupStreamCall resolves a carrier call id for the bridge and composes
// the session instructions from the record's metadata.
func (rt *Runtime) lookupStreamCall(providerCallID string) (bridge.CallInfo, bool) {
	rec, ok := rt.manager.GetCallByProviderCallID(providerCallID)
	if !ok {
		return bridge.CallInfo{}, false
	}
	return bridge.CallInfo{
		CallID:       rec.CallID,
		Instructions: composeInstructions(rec.Metadata["personaPrompt"], time.Now()),
		Greeting:     rec.Metadata["initialMessage"],
	}, true
}

// newModelSession builds the per-call realtime session.
func (rt *Runtime) newModelSession(info bridge.CallInfo, cb model.Callbacks) bridge.ModelSession {
	return model.NewSession(model.Config{
		APIKey:            rt.cfg.OpenAIAPIKey,
		Model:             rt.cfg.Model,
		Temperature:       rt.cfg.Temperature,
		Instructions:      info.Instructions,
		InitialGreeting:   info.Greeting,
		VADThreshold:      rt.cfg.VADThreshold,
		SilenceDurationMs: rt.cfg.SilenceDurationMs,
	}, cb, rt.logger)
}

// onCallComplete formats the final summary and wakes the host agent.
func (rt *Runtime) onCallComplete(rec *call.Record) {
	rt.mu.Lock()
	info := rt.personaCalls[rec.CallID]
	delete(rt.personaCalls, rec.CallID)
	rt.mu.Unlock()

	rt.logger.Info("call complete",
		"callId", rec.CallID,
		"state", string(rec.State),
		"endReason", rec.EndReason,
		"transcriptLines", len(rec.Transcript),
	)
	rt.wake.Notify(formatCompletionSummary(rec, info))
}

// formatCompletionSummary renders the completion event as plain text for the
// host agent.
func formatCompletionSummary(rec *call.Record, info PersonaCallInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phone call to %s ended: %s", rec.To, rec.EndReason)
	if info.Persona != "" {
		fmt.Fprintf(&b, " (persona %q", info.Persona)
		if info.Goal != "" {
			fmt.Fprintf(&b, ", goal: %s", info.Goal)
		}
		b.WriteString(")")
	}
	b.WriteString("\n")
	if len(rec.Transcript) == 0 {
		b.WriteString("No transcript was captured.")
		return b.String()
	}
	b.WriteString("Transcript:\n")
	for _, entry := range rec.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", entry.Speaker, entry.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
