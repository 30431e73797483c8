package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const tailscaleCmdTimeout = 15 * time.Second

// tailscaleTunnel exposes the listener with `tailscale serve` (tailnet only)
// or `tailscale funnel` (public internet).
type tailscaleTunnel struct {
	port   int
	funnel bool
	logger *slog.Logger
}

func newTailscale(port int, funnel bool, logger *slog.Logger) *tailscaleTunnel {
	mode := "serve"
	if funnel {
		mode = "funnel"
	}
	return &tailscaleTunnel{
		port:   port,
		funnel: funnel,
		logger: logger.With("subsystem", "tunnel", "provider", "tailscale-"+mode),
	}
}

func (t *tailscaleTunnel) Start(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tailscaleCmdTimeout)
	defer cancel()

	mode := "serve"
	if t.funnel {
		mode = "funnel"
	}
	out, err := exec.CommandContext(ctx, "tailscale", mode, "--bg", strconv.Itoa(t.port)).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tailscale %s failed: %w: %s", mode, err, strings.TrimSpace(string(out)))
	}

	host, err := t.selfDNSName(ctx)
	if err != nil {
		return "", err
	}
	url := "https://" + host
	t.logger.Info("tunnel up", "publicUrl", url)
	return url, nil
}

// selfDNSName reads this node's MagicDNS name from tailscale status.
func (t *tailscaleTunnel) selfDNSName(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "tailscale", "status", "--json").Output()
	if err != nil {
		return "", fmt.Errorf("tailscale status failed: %w", err)
	}
	var status struct {
		Self struct {
			DNSName string `json:"DNSName"`
		} `json:"Self"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return "", fmt.Errorf("parsing tailscale status: %w", err)
	}
	host := strings.TrimSuffix(status.Self.DNSName, ".")
	if host == "" {
		return "", fmt.Errorf("tailscale status reported no DNS name")
	}
	return host, nil
}

func (t *tailscaleTunnel) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), tailscaleCmdTimeout)
	defer cancel()
	mode := "serve"
	if t.funnel {
		mode = "funnel"
	}
	out, err := exec.CommandContext(ctx, "tailscale", mode, "reset").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tailscale %s reset failed: %w: %s", mode, err, strings.TrimSpace(string(out)))
	}
	return nil
}
