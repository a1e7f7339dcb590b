package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"groomline/internal/config"
	"groomline/internal/domain"
	"groomline/internal/engine"
	"groomline/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher posts appended events to the webhooks in the engine's current
// configuration. Each webhook keeps its own cursor, starting at the log head
// when the webhook is first seen, and a failed delivery is retried on the
// next tick.
type Dispatcher struct {
	e        *engine.Engine
	logger   *zap.Logger
	client   *http.Client
	interval time.Duration

	mu      sync.Mutex
	cursors map[string]uint64
}

// NewDispatcher returns a dispatcher polling every interval; zero means two
// seconds.
func NewDispatcher(e *engine.Engine, logger *zap.Logger, interval time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	return &Dispatcher{
		e:        e,
		logger:   logger.Named("webhooks"),
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: interval,
		cursors:  make(map[string]uint64),
	}
}

// Run delivers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch to every active webhook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, hook := range d.e.Config().Webhooks {
		if !hook.Active() {
			continue
		}
		d.dispatch(ctx, hook)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, hook config.Webhook) {
	cursor := d.cursorFor(hook.URL)
	evts := d.e.Log.Range(events.Query{FromSeq: cursor + 1, Limit: defaultWebhookBatch})
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := d.post(ctx, hook, evt); err != nil {
				d.logger.Warn("delivery failed", zap.String("url", hook.URL), zap.Uint64("seq", evt.Seq), zap.Error(err))
				return
			}
		}
		d.setCursor(hook.URL, evt.Seq)
	}
}

func (d *Dispatcher) cursorFor(url string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[url]; ok {
		return cur
	}
	cur := uint64(d.e.Log.Head())
	d.cursors[url] = cur
	return cur
}

func (d *Dispatcher) setCursor(url string, seq uint64) {
	d.mu.Lock()
	d.cursors[url] = seq
	d.mu.Unlock()
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := d.client
	if t := hook.Timeout.D(); t > 0 && t != client.Timeout {
		client = &http.Client{Timeout: t}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Groomline-Event", evt.Type)
	req.Header.Set("X-Groomline-Delivery", fmt.Sprintf("%d", evt.Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Groomline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(typ string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[typ]
	return ok
}
