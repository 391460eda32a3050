package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/idgen"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Riskgate-Event"
	HeaderTimestamp = "X-Riskgate-Timestamp"
	HeaderSignature = "X-Riskgate-Signature"
)

const (
	queueSize = 1024
	// maxConsecutiveFailures deactivates a subscription that keeps failing.
	maxConsecutiveFailures = 10
)

// DeliveryPolicy retries network errors and 5xx responses.
var DeliveryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

var ErrUnsafeURL = errors.New("webhooks: URL must be http(s) and not target a private address")

// ValidateURL rejects non-HTTP URLs and literal loopback, private, link-local
// and unspecified addresses.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return ErrUnsafeURL
	}
	host := u.Hostname()
	if host == "localhost" {
		return ErrUnsafeURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrUnsafeURL
		}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret, prefixed "sha256=".
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Dispatcher turns audit records into alerts and delivers them. It is an
// audit.Sink; deliveries happen on Run's goroutine.
type Dispatcher struct {
	store       Store
	client      *http.Client
	logger      *slog.Logger
	policy      retry.Policy
	validateURL func(string) error
	now         func() time.Time

	queue chan *Event
}

var _ audit.Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher reading subscriptions from store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		policy:      DeliveryPolicy,
		validateURL: ValidateURL,
		now:         time.Now,
		queue:       make(chan *Event, queueSize),
	}
}

// WithHTTPClient replaces the delivery client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithURLValidator replaces the target URL check.
func (d *Dispatcher) WithURLValidator(fn func(string) error) *Dispatcher {
	d.validateURL = fn
	return d
}

// WithRetryPolicy overrides DeliveryPolicy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Publish queues an alert for rec if it raises one. It never blocks: alerts
// arriving while the queue is full are dropped and counted.
func (d *Dispatcher) Publish(rec *audit.Record) {
	t, ok := Classify(rec)
	if !ok {
		return
	}
	ev := &Event{ID: idgen.WithPrefix("evt_"), Type: t, Timestamp: d.now().UTC(), Record: rec}
	select {
	case d.queue <- ev:
	default:
		metrics.WebhookDropsTotal.Inc()
		d.logger.Warn("webhook queue full, alert dropped", "event", t, "record_id", rec.ID)
	}
}

// Run delivers queued alerts until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.Dispatch(ctx, ev); err != nil {
				d.logger.Warn("webhook dispatch failed", "event", ev.Type, "error", err)
			}
		}
	}
}

// Dispatch sends ev to every subscription selecting its type and waits for
// the deliveries to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	subs, err := d.store.ListByEvent(ctx, ev.Type)
	if err != nil {
		return fmt.Errorf("webhooks: list subscribers: %w", err)
	}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Go(func() { _ = d.Deliver(ctx, sub, ev) })
	}
	wg.Wait()
	return nil
}

// Deliver posts ev to one subscription, retrying transient failures, and
// records the outcome on the subscription.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, ev *Event) error {
	err := d.send(ctx, sub, ev)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		d.logger.Warn("webhook delivery failed", "webhook_id", sub.ID, "event", ev.Type, "error", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), outcome).Inc()

	if err == nil {
		now := d.now()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = err.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= maxConsecutiveFailures {
			sub.Active = false
			d.logger.Warn("webhook deactivated after repeated failures", "webhook_id", sub.ID)
		}
	}
	// The outcome is stored even when ctx is already cancelled.
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if uerr := d.store.Update(updCtx, sub); uerr != nil && !errors.Is(uerr, ErrNotFound) {
		d.logger.Error("webhook status update failed", "webhook_id", sub.ID, "error", uerr)
	}
	return err
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, ev *Event) error {
	if err := d.validateURL(sub.URL); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhooks: marshal event: %w", err)
	}

	return retry.Do(ctx, d.policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(ev.Type))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
		if sub.Secret != "" {
			req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	})
}
