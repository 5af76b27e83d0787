// Package alert converts a stream of rate-limit breach events into a muted,
// threshold-gated notification stream.
//
// An Alerter counts breaches per key within its own window, coarser than the
// rate-limit window itself. Once the count reaches the configured threshold it
// fires one notification and resets the accumulation — edge-triggered, so a
// key breaching on every request produces one alert per threshold's worth of
// breaches instead of an alert storm.
//
// Three channels can be enabled independently: canonical console logging, a
// chat-shaped webhook POST, and a caller-supplied handler. Channel failures
// are logged and never propagate out of RecordBreach; alerting must never
// break request processing.
//
//	a, _ := alert.New(config.DefaultAlert())
//	a.RecordBreach(ctx, "ip:192.168.1.1", &alert.RequestContext{
//	    Method: r.Method,
//	    Path:   r.URL.Path,
//	})
package alert

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nhalm/canonlog"

	"github.com/nhalm/limitkit/config"
)

// RequestContext carries optional request details into an alert.
type RequestContext struct {
	Method string
	Path   string
}

// Alert is the payload delivered to every enabled notification channel.
type Alert struct {
	// Key is the rate-limited identifier that breached.
	Key string

	// BreachCount is the key's lifetime breach count, not the count within
	// the current window. It only resets on Clear.
	BreachCount int

	// Timestamp is when the triggering breach was recorded.
	Timestamp time.Time

	// Request is the context of the triggering breach, when the caller
	// supplied one.
	Request *RequestContext
}

// HandlerFunc is a caller-supplied notification channel. A returned error is
// logged and never propagated.
type HandlerFunc func(ctx context.Context, a Alert) error

type breachRecord struct {
	total  int
	recent []time.Time
}

// Alerter is a per-key breach accumulator with edge-triggered notification.
// Safe for concurrent use.
type Alerter struct {
	mu      sync.Mutex
	cfg     config.Alert
	records map[string]*breachRecord
	handler HandlerFunc
	client  *http.Client
}

// Option configures an Alerter.
type Option func(*Alerter)

// WithHandler attaches a custom notification channel, invoked after the
// console and webhook channels.
func WithHandler(fn HandlerFunc) Option {
	return func(a *Alerter) {
		a.handler = fn
	}
}

// WithHTTPClient overrides the HTTP client used for webhook delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Alerter) {
		a.client = client
	}
}

// New creates an Alerter. The configuration is validated and rejected when
// malformed.
func New(cfg config.Alert, opts ...Option) (*Alerter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Alerter{
		cfg:     cfg,
		records: make(map[string]*breachRecord),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RecordBreach counts one breach for key. When the key's breaches within the
// alert window reach the threshold, every enabled channel is notified once
// and the accumulation restarts. Returns after all channels were attempted;
// channel failures are logged, never returned.
func (a *Alerter) RecordBreach(ctx context.Context, key string, reqCtx *RequestContext) {
	a.mu.Lock()

	now := time.Now()
	rec, exists := a.records[key]
	if !exists {
		rec = &breachRecord{}
		a.records[key] = rec
	}

	windowStart := now.Add(-a.cfg.Window)
	i := 0
	for i < len(rec.recent) && !rec.recent[i].After(windowStart) {
		i++
	}
	if i > 0 {
		rec.recent = append(rec.recent[:0], rec.recent[i:]...)
	}

	rec.recent = append(rec.recent, now)
	rec.total++

	var fired *Alert
	if len(rec.recent) >= a.cfg.Threshold {
		fired = &Alert{
			Key:         key,
			BreachCount: rec.total,
			Timestamp:   now,
			Request:     reqCtx,
		}
		rec.recent = rec.recent[:0]
	}

	a.mu.Unlock()

	if fired != nil {
		a.notify(ctx, *fired)
	}
}

// Clear deletes all breach records, lifetime counts included.
func (a *Alerter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = make(map[string]*breachRecord)
}

// notify attempts each enabled channel in order: console, webhook, handler.
func (a *Alerter) notify(ctx context.Context, al Alert) {
	if a.cfg.ConsoleLog {
		a.logAlert(ctx, al)
	}
	if a.cfg.WebhookURL != "" {
		if err := a.postWebhook(ctx, al); err != nil {
			a.logChannelError(ctx, "webhook delivery failed", err)
		}
	}
	if a.handler != nil {
		if err := a.runHandler(ctx, al); err != nil {
			a.logChannelError(ctx, "custom alert handler failed", err)
		}
	}
}

func (a *Alerter) logAlert(ctx context.Context, al Alert) {
	lctx := canonlog.NewContext(ctx)
	fields := map[string]any{
		"alert":        "rate_limit_breach",
		"key":          al.Key,
		"breach_count": al.BreachCount,
		"timestamp":    al.Timestamp.Format(time.RFC3339),
	}
	if al.Request != nil {
		fields["method"] = al.Request.Method
		fields["path"] = al.Request.Path
	}
	canonlog.InfoAddMany(lctx, fields)
	canonlog.Flush(lctx)
}

func (a *Alerter) logChannelError(ctx context.Context, msg string, err error) {
	lctx := canonlog.NewContext(ctx)
	canonlog.InfoAdd(lctx, "alert", "rate_limit_breach")
	canonlog.ErrorAdd(lctx, fmt.Errorf("%s: %w", msg, err))
	canonlog.Flush(lctx)
}

// runHandler isolates the caller-supplied channel, converting a panic into an
// ordinary error so one broken callback cannot abort request processing.
func (a *Alerter) runHandler(ctx context.Context, al Alert) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return a.handler(ctx, al)
}
