// Package tunnel exposes the local HTTP listener to the public internet
// through an external CLI helper. The contract is narrow: start, report the
// public base URL, stop.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
)

// Tunnel is a running public exposure of the local listener.
type Tunnel interface {
	// Start brings the tunnel up and returns the public base URL
	// (scheme and host, no trailing slash).
	Start(ctx context.Context) (string, error)

	// Stop tears the tunnel down.
	Stop() error
}

// New builds a tunnel for the configured provider. "none" returns nil: the
// caller must then supply a public URL explicitly.
func New(provider string, port int, logger *slog.Logger) (Tunnel, error) {
	switch provider {
	case "none", "":
		return nil, nil
	case "ngrok":
		return newNgrok(port, logger), nil
	case "tailscale-serve":
		return newTailscale(port, false, logger), nil
	case "tailscale-funnel":
		return newTailscale(port, true, logger), nil
	default:
		return nil, fmt.Errorf("unknown tunnel provider %q", provider)
	}
}
