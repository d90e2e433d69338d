// Package notify delivers selected relay events to an external HTTP endpoint.
//
// Deliveries are best-effort: a background goroutine drains the event hub
// subscription, POSTs matching events as JSON signed with HMAC-SHA256, and
// drops events it cannot deliver after a small number of retries. The relay
// never blocks on, or learns about, webhook delivery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/patchbay-dev/patchbay/internal/config"
	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/log"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 2
	retryBackoff      = 250 * time.Millisecond
)

// defaultEvents is the filter applied when notify.events is not configured.
var defaultEvents = []string{events.CommandResolved, events.SessionReplaced}

// Notifier subscribes to the event hub and POSTs matching events to the
// configured URL. Create with New, stop with Close.
type Notifier struct {
	cfg     config.NotifyConfig
	client  *http.Client
	logger  *slog.Logger
	allowed map[string]struct{}

	cancel func()
	done   chan struct{}
	closed atomic.Bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New starts the delivery goroutine against hub. The caller owns the
// returned Notifier and must Close it on shutdown.
func New(cfg config.NotifyConfig, hub *events.Hub) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	names := cfg.Events
	if len(names) == 0 {
		names = defaultEvents
	}
	allowed := make(map[string]struct{}, len(names))
	for _, name := range names {
		allowed[name] = struct{}{}
	}

	ch, cancel := hub.Subscribe()
	n := &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  log.WithComponent("notify"),
		allowed: allowed,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go n.run(ch)
	return n
}

// Close cancels the hub subscription and waits for in-progress deliveries.
func (n *Notifier) Close() {
	if n.closed.Swap(true) {
		return
	}
	n.cancel()
	<-n.done
}

// Delivered reports successfully posted events.
func (n *Notifier) Delivered() int64 { return n.delivered.Load() }

// Dropped reports events abandoned after exhausting retries.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

func (n *Notifier) run(ch <-chan events.Event) {
	defer close(n.done)
	for ev := range ch {
		if _, ok := n.allowed[ev.Type]; !ok {
			continue
		}
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("encode webhook body failed", "event_id", ev.ID, "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}
		if lastErr = n.post(body); lastErr == nil {
			n.delivered.Add(1)
			return
		}
	}

	n.dropped.Add(1)
	n.logger.Warn("webhook delivery failed, dropping event",
		"event_id", ev.ID, "event_type", ev.Type, "url", n.cfg.URL, "error", lastErr)
}

func (n *Notifier) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, n.cfg.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
