package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// wakeClient delivers completion summaries to the host agent's wake
// endpoint. Failures never block call teardown: undeliverable events are
// queued in process for the host to drain.
type wakeClient struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending []string
}

type wakeRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

func newWakeClient(port int, token string, logger *slog.Logger) *wakeClient {
	w := &wakeClient{
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With("subsystem", "wake"),
	}
	if port > 0 {
		w.url = fmt.Sprintf("http://127.0.0.1:%d/hooks/wake", port)
	}
	return w
}

// Notify posts the summary to the wake endpoint. When no endpoint is
// configured, or the POST fails, the event is queued instead.
func (w *wakeClient) Notify(text string) {
	if w.url == "" {
		w.enqueue(text)
		return
	}
	body, err := json.Marshal(wakeRequest{Text: text, Mode: "now"})
	if err != nil {
		w.enqueue(text)
		return
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.enqueue(text)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("wake callback failed, queueing event", "error", err)
		w.enqueue(text)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("wake callback rejected, queueing event", "status", resp.StatusCode)
		w.enqueue(text)
		return
	}
	w.logger.Debug("wake callback delivered")
}

func (w *wakeClient) enqueue(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, text)
}

// Drain returns and clears the queued events.
func (w *wakeClient) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}
