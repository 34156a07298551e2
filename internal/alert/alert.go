package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docdelta/docdelta/internal/cache"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is the outbound alert payload.
type Event struct {
	AlertType string         `json:"alert_type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// Notifier posts alerts to an operator-configured webhook, deduplicated
// per (alert_type, entity_id) within a sliding window. Unconfigured
// notifiers silently drop everything. Delivery is fire-and-forget through
// a buffered channel so callers never block on the webhook.
type Notifier struct {
	webhookURL  string
	dedupWindow time.Duration
	httpClient  *http.Client
	events      chan Event
	redis       *cache.Cache // optional, nil falls back to in-process dedup
	done        chan struct{}
	closeOnce   sync.Once

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewNotifier(webhookURL string, dedupWindow time.Duration, redisCache *cache.Cache) *Notifier {
	n := &Notifier{
		webhookURL:  webhookURL,
		dedupWindow: dedupWindow,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		events:      make(chan Event, 256),
		redis:       redisCache,
		done:        make(chan struct{}),
		seen:        make(map[string]time.Time),
	}
	go n.processLoop()
	return n
}

// Close delivers any queued alerts and stops the background loop.
// Notify must not be called after Close.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.events)
		<-n.done
	})
}

// Notify enqueues an alert keyed for dedup by (alertType, entityID).
// Duplicate alerts inside the window are dropped quietly.
func (n *Notifier) Notify(ctx context.Context, alertType, entityID, severity, message string, extra map[string]any) {
	if n.webhookURL == "" {
		return
	}
	if !n.shouldSend(ctx, alertType, entityID) {
		return
	}

	ev := Event{
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Context:   extra,
	}

	select {
	case n.events <- ev:
	default:
		slog.Warn("alert queue full, dropping", "alert_type", alertType, "entity_id", entityID)
	}
}

func (n *Notifier) shouldSend(ctx context.Context, alertType, entityID string) bool {
	key := fmt.Sprintf("alert:dedup:%s:%s", alertType, entityID)

	if n.redis != nil {
		ok, err := n.redis.SetNX(ctx, key, 1, n.dedupWindow)
		if err == nil {
			return ok
		}
		slog.Warn("alert dedup via redis failed, using local window", "error", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if last, ok := n.seen[key]; ok && now.Sub(last) < n.dedupWindow {
		return false
	}
	// Prune expired entries so the map stays bounded.
	for k, t := range n.seen {
		if now.Sub(t) >= n.dedupWindow {
			delete(n.seen, k)
		}
	}
	n.seen[key] = now
	return true
}

func (n *Notifier) processLoop() {
	defer close(n.done)
	for ev := range n.events {
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("alert marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("alert request creation failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		slog.Error("alert delivery failed", "error", err, "alert_type", ev.AlertType)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("alert webhook returned non-success", "status", resp.StatusCode, "alert_type", ev.AlertType)
	}
}
