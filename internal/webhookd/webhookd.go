// Package webhookd fans engine lifecycle events out to subscribed HTTP
// endpoints. Deliveries are signed, rate limited, and retried; a
// circuit breaker per endpoint sheds load from receivers that keep
// failing, and subscriptions that stay dead are disabled so they cannot
// soak the dispatcher forever.
package webhookd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/waveflow-go/internal/domain/webhook"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/metrics"
	"github.com/waveflow-go/pkg/resilience"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body,
	// keyed with the subscription secret. Absent when no secret is set.
	SignatureHeader = "X-Webhook-Signature"
	// EventHeader carries the event type so receivers can route without
	// parsing the body.
	EventHeader = "X-Webhook-Event"
	// DeliveryHeader carries the delivery id; receivers use it to
	// deduplicate retried deliveries.
	DeliveryHeader = "X-Webhook-Delivery"

	userAgent = "waveflow-webhookd"

	defaultTimeout     = 10 * time.Second
	defaultMaxFailures = 10
	deliveryWorkers    = 4
	queueSize          = 256
)

// Dispatcher subscribes to the event bus and posts matching events to
// active webhook subscriptions. The bus dispatches handlers on the
// publisher's goroutine, so the dispatcher only enqueues there and does
// the slow HTTP work on its own workers.
type Dispatcher struct {
	webhooks    *store.WebhookStore
	client      *http.Client
	limiter     *rate.Limiter
	breakers    *resilience.Registry
	maxFailures int
	logger      logger.Logger

	// Bounded per-delivery retry. Tests shrink these.
	maxAttempts int
	backoff     time.Duration

	queue chan events.Event
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func New(cfg *config.WebhookConfig, webhooks *store.WebhookStore, log logger.Logger) *Dispatcher {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RatePerSecond
		}
	}

	wlog := log.With("component", "webhookd")

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(name, from, to string) {
		wlog.Warn("Delivery circuit state changed",
			"subscription_id", name, "from", from, "to", to)
	}

	return &Dispatcher{
		webhooks:    webhooks,
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(limit, burst),
		breakers:    resilience.NewRegistry(breakerCfg),
		maxFailures: maxFailures,
		logger:      wlog,
		maxAttempts: 3,
		backoff:     2 * time.Second,
		queue:       make(chan events.Event, queueSize),
		stop:        make(chan struct{}),
	}
}

// Start subscribes to every event type and launches the delivery workers.
func (d *Dispatcher) Start(bus events.EventBus) error {
	if err := bus.Subscribe("*", d.enqueue); err != nil {
		return fmt.Errorf("subscribing webhook dispatcher: %w", err)
	}

	for i := 0; i < deliveryWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.logger.Info("Webhook dispatcher started", "workers", deliveryWorkers)
	return nil
}

// Stop drains nothing: queued events that no worker has picked up yet are
// dropped, in-flight deliveries finish their attempt sequence.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(ctx context.Context, event events.Event) error {
	select {
	case <-d.stop:
		return nil
	default:
	}

	select {
	case d.queue <- event:
	default:
		d.logger.Warn("Webhook queue full, dropping event",
			"event_type", event.Type, "event_id", event.ID)
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case event := <-d.queue:
			d.dispatch(context.Background(), event)
		}
	}
}

// dispatch fans one event out to every active subscription whose patterns
// match its type.
func (d *Dispatcher) dispatch(ctx context.Context, event events.Event) {
	subs, err := d.webhooks.ListActive(ctx)
	if err != nil {
		d.logger.Error("Failed to list webhook subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		if !matches(sub, event.Type) {
			continue
		}
		d.deliver(ctx, sub, event)
	}
}

func matches(sub *webhook.Subscription, eventType string) bool {
	for _, pattern := range sub.EventTypes {
		if events.MatchPattern(pattern, eventType) {
			return true
		}
	}
	return false
}

// deliver posts the event to one subscription, retrying transient
// failures, then records the outcome and disables the subscription once
// its consecutive failure count reaches the limit.
func (d *Dispatcher) deliver(ctx context.Context, sub *webhook.Subscription, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Failed to encode webhook payload",
			"subscription_id", sub.ID, "event_id", event.ID, "error", err)
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	delivery := &webhook.Delivery{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		CreatedAt:      time.Now(),
	}

	breaker := d.breakers.Get(sub.ID)
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		delivery.Attempts = attempt

		result, err := breaker.Execute(func() (interface{}, error) {
			return d.post(ctx, sub, delivery.ID, event.Type, payload)
		})
		if statusCode, ok := result.(int); ok {
			delivery.StatusCode = statusCode
		}
		if err == nil {
			now := time.Now()
			delivery.DeliveredAt = &now
			delivery.Error = ""
			break
		}
		delivery.Error = err.Error()

		// An open circuit will not close between attempts.
		if resilience.IsCircuitOpen(err) {
			break
		}

		if attempt < d.maxAttempts {
			select {
			case <-d.stop:
				attempt = d.maxAttempts
			case <-time.After(time.Duration(attempt) * d.backoff):
			}
		}
	}

	succeeded := delivery.DeliveredAt != nil
	if succeeded {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		d.logger.Info("Webhook delivered",
			"subscription_id", sub.ID, "event_type", event.Type,
			"status", delivery.StatusCode, "attempts", delivery.Attempts)
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("Webhook delivery failed",
			"subscription_id", sub.ID, "event_type", event.Type,
			"attempts", delivery.Attempts, "error", delivery.Error)
	}

	if err := d.webhooks.RecordDelivery(ctx, delivery, succeeded); err != nil {
		d.logger.Error("Failed to record webhook delivery",
			"subscription_id", sub.ID, "error", err)
		return
	}

	if !succeeded {
		d.disableIfExhausted(ctx, sub.ID)
	}
}

// post performs a single delivery attempt. A non-2xx response is an error
// so the attempt loop treats it like a transport failure.
func (d *Dispatcher) post(ctx context.Context, sub *webhook.Subscription, deliveryID, eventType string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(DeliveryHeader, deliveryID)
	for key, value := range sub.Headers {
		req.Header.Set(key, value)
	}
	if signature := sub.Sign(payload); signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

// disableIfExhausted re-reads the authoritative failure count, which
// RecordDelivery just incremented, and flips the subscription off once it
// reaches the limit.
func (d *Dispatcher) disableIfExhausted(ctx context.Context, subscriptionID string) {
	fresh, err := d.webhooks.GetByID(ctx, subscriptionID)
	if err != nil || !fresh.IsActive || fresh.FailureCount < d.maxFailures {
		return
	}

	fresh.IsActive = false
	if err := d.webhooks.Update(ctx, fresh); err != nil {
		d.logger.Error("Failed to disable webhook subscription",
			"subscription_id", subscriptionID, "error", err)
		return
	}
	d.logger.Warn("Webhook subscription disabled after repeated failures",
		"subscription_id", subscriptionID, "failure_count", fresh.FailureCount)
}
