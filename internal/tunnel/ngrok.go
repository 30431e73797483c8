package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// ngrokAPIURL is the local inspection API the ngrok agent serves.
	ngrokAPIURL = "http://127.0.0.1:4040/api/tunnels"

	ngrokStartTimeout = 15 * time.Second
	ngrokPollInterval = 250 * time.Millisecond
)

// ngrokTunnel spawns the ngrok agent and discovers the public URL through
// its local inspection API.
type ngrokTunnel struct {
	port   int
	logger *slog.Logger
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func newNgrok(port int, logger *slog.Logger) *ngrokTunnel {
	return &ngrokTunnel{port: port, logger: logger.With("subsystem", "tunnel", "provider", "ngrok")}
}

type ngrokTunnelList struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
		Config    struct {
			Addr string `json:"addr"`
		} `json:"config"`
	} `json:"tunnels"`
}

func (n *ngrokTunnel) Start(ctx context.Context) (string, error) {
	cmdCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	cmd := exec.CommandContext(cmdCtx, "ngrok", "http", strconv.Itoa(n.port), "--log", "stdout", "--log-format", "json")
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("starting ngrok: %w", err)
	}
	n.cmd = cmd
	n.logger.Info("ngrok agent started", "pid", cmd.Process.Pid, "port", n.port)

	url, err := n.awaitPublicURL(ctx)
	if err != nil {
		n.Stop() //nolint:errcheck
		return "", err
	}
	n.logger.Info("tunnel up", "publicUrl", url)
	return url, nil
}

// awaitPublicURL polls the inspection API until an https tunnel for our port
// appears.
func (n *ngrokTunnel) awaitPublicURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ngrokStartTimeout)
	defer cancel()
	client := &http.Client{Timeout: 2 * time.Second}
	wantAddr := ":" + strconv.Itoa(n.port)

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("ngrok tunnel did not come up within %s", ngrokStartTimeout)
		case <-time.After(ngrokPollInterval):
		}

		resp, err := client.Get(ngrokAPIURL)
		if err != nil {
			continue
		}
		var list ngrokTunnelList
		err = json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if err != nil {
			continue
		}
		for _, t := range list.Tunnels {
			if t.Proto != "https" {
				continue
			}
			if t.Config.Addr != "" && !strings.HasSuffix(t.Config.Addr, wantAddr) {
				continue
			}
			return strings.TrimSuffix(t.PublicURL, "/"), nil
		}
	}
}

func (n *ngrokTunnel) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.cmd != nil && n.cmd.Process != nil {
		// CommandContext already killed it; reap the process.
		n.cmd.Wait() //nolint:errcheck
	}
	return nil
}
