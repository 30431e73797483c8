package call

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SelfTestHeader carries the boot secret on the preflight probe so the front
// door can answer it without a carrier signature.
const SelfTestHeader = "x-supercall-self-test"

const (
	probeTimeout      = 4 * time.Second
	preflightCacheTTL = 30 * time.Second
)

// Preflight verifies that the public webhook and media-stream endpoints are
// reachable before a call is placed. Success is cached briefly so back-to-back
// calls do not re-probe.
type Preflight struct {
	bootSecret string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	lastOK    time.Time
	lastOKKey string
	now       func() time.Time
}

// NewPreflight creates a preflight checker bound to the process boot secret.
func NewPreflight(bootSecret string, logger *slog.Logger) *Preflight {
	return &Preflight{
		bootSecret: bootSecret,
		httpClient: &http.Client{Timeout: probeTimeout},
		logger:     logger.With("subsystem", "preflight"),
		now:        time.Now,
	}
}

// Check probes the webhook URL over HTTP and the stream URL over a websocket
// upgrade. The HTTP probe is skipped when the webhook host is loopback; the
// websocket probe always runs. A success within the cache window
// short-circuits; the cache is keyed by the probed URLs, so a public-URL
// change forces a fresh probe.
func (p *Preflight) Check(ctx context.Context, webhookURL, streamURL string) error {
	key := webhookURL + "\x00" + streamURL
	p.mu.Lock()
	if p.lastOKKey == key && !p.lastOK.IsZero() && p.now().Sub(p.lastOK) < preflightCacheTTL {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if u, err := url.Parse(webhookURL); err != nil {
		return fmt.Errorf("preflight: bad webhook url: %w", err)
	} else if !isLoopbackHost(u.Hostname()) {
		if err := p.probeWebhook(ctx, webhookURL); err != nil {
			return err
		}
	}
	if err := p.probeStream(ctx, streamURL); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastOK = p.now()
	p.lastOKKey = key
	p.mu.Unlock()
	p.logger.Debug("preflight passed", "webhookUrl", webhookURL, "streamUrl", streamURL)
	return nil
}

func (p *Preflight) probeWebhook(ctx context.Context, webhookURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, strings.NewReader(""))
	if err != nil {
		return fmt.Errorf("preflight: building self-test request: %w", err)
	}
	req.Header.Set(SelfTestHeader, p.bootSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("preflight: webhook endpoint unreachable at %s: %w", webhookURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preflight: webhook endpoint at %s answered %d, want 200", webhookURL, resp.StatusCode)
	}
	return nil
}

func (p *Preflight) probeStream(ctx context.Context, streamURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: probeTimeout}
	conn, resp, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("preflight: stream endpoint at %s refused upgrade (%d): %w", streamURL, resp.StatusCode, err)
		}
		return fmt.Errorf("preflight: stream endpoint unreachable at %s: %w", streamURL, err)
	}
	conn.Close()
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
