package tunnel

import (
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewDispatch(t *testing.T) {
	logger := slog.Default()

	if tn, err := New("none", 3334, logger); err != nil || tn != nil {
		t.Errorf("none: tunnel=%v err=%v, want nil,nil", tn, err)
	}
	if tn, err := New("", 3334, logger); err != nil || tn != nil {
		t.Errorf("empty: tunnel=%v err=%v, want nil,nil", tn, err)
	}
	if tn, err := New("ngrok", 3334, logger); err != nil || tn == nil {
		t.Errorf("ngrok: tunnel=%v err=%v", tn, err)
	}
	if tn, err := New("tailscale-serve", 3334, logger); err != nil || tn == nil {
		t.Errorf("tailscale-serve: tunnel=%v err=%v", tn, err)
	}
	if tn, err := New("tailscale-funnel", 3334, logger); err != nil || tn == nil {
		t.Errorf("tailscale-funnel: tunnel=%v err=%v", tn, err)
	}
	if _, err := New("cloudflared", 3334, logger); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestNgrokInspectionPayload(t *testing.T) {
	payload := `{
		"tunnels": [
			{"public_url": "http://abc.ngrok-free.app", "proto": "http", "config": {"addr": "http://localhost:3334"}},
			{"public_url": "https://abc.ngrok-free.app", "proto": "https", "config": {"addr": "http://localhost:3334"}}
		]
	}`
	var list ngrokTunnelList
	if err := json.Unmarshal([]byte(payload), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tunnels) != 2 {
		t.Fatalf("decoded %d tunnels", len(list.Tunnels))
	}
	if list.Tunnels[1].Proto != "https" || list.Tunnels[1].PublicURL != "https://abc.ngrok-free.app" {
		t.Errorf("tunnel = %+v", list.Tunnels[1])
	}
}
