package webhookd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/waveflow-go/internal/domain/webhook"
	"github.com/waveflow-go/internal/store"
	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/resilience"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	webhooks   *store.WebhookStore
	bus        events.EventBus
}

func newFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&webhook.Subscription{}, &webhook.Delivery{}))

	bus := events.NewMemoryEventBus()
	t.Cleanup(func() { _ = bus.Close() })

	webhooks := store.NewWebhookStore(database.Wrap(gormDB))

	cfg := &config.WebhookConfig{Enabled: true, TimeoutSec: 5, MaxFailures: 3}
	dispatcher := New(cfg, webhooks, logger.NewNop())
	dispatcher.backoff = time.Millisecond

	return &dispatcherFixture{dispatcher: dispatcher, webhooks: webhooks, bus: bus}
}

func (f *dispatcherFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.dispatcher.Start(f.bus))
	t.Cleanup(f.dispatcher.Stop)
}

func TestDispatcherDeliversSignedEvent(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var gotMethod string
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod = r.Method
		gotBody = body
		gotHeader = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := webhook.NewSubscription("user-1", "ci-notify", server.URL, []string{"execution.*"})
	sub.Secret = "s3cret"
	sub.Headers["X-Team"] = "platform"
	require.NoError(t, f.webhooks.Create(context.Background(), sub))

	f.start(t)

	event := events.NewEventBuilder(events.ExecutionCompleted).
		WithAggregateID("exec-1").
		WithAggregateType("execution").
		Build()
	require.NoError(t, f.bus.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotBody != nil
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	method, body, header := gotMethod, gotBody, gotHeader
	mu.Unlock()

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "platform", header.Get("X-Team"))
	assert.Equal(t, events.ExecutionCompleted, header.Get(EventHeader))
	assert.NotEmpty(t, header.Get(DeliveryHeader))
	assert.True(t, sub.VerifySignature(body, header.Get(SignatureHeader)))

	var decoded events.Event
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, events.ExecutionCompleted, decoded.Type)
	assert.Equal(t, "exec-1", decoded.AggregateID)

	// The outcome row lands after the HTTP exchange, so poll for it.
	require.Eventually(t, func() bool {
		deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
		return err == nil && len(deliveries) == 1 && deliveries[0].DeliveredAt != nil
	}, 3*time.Second, 10*time.Millisecond)

	deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, http.StatusOK, deliveries[0].StatusCode)
	assert.Equal(t, 1, deliveries[0].Attempts)
	assert.Equal(t, event.ID, deliveries[0].EventID)
	assert.Equal(t, events.ExecutionCompleted, deliveries[0].EventType)

	stored, err := f.webhooks.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailureCount)
	assert.NotNil(t, stored.LastSentAt)
}

func TestDispatcherFiltersByEventPattern(t *testing.T) {
	f := newFixture(t)

	var scheduleHits, catchAllHits atomic.Int32
	var signatureSeen atomic.Bool
	scheduleServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheduleHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer scheduleServer.Close()
	catchAllServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		catchAllHits.Add(1)
		if r.Header.Get(SignatureHeader) != "" {
			signatureSeen.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer catchAllServer.Close()

	scheduleSub := webhook.NewSubscription("user-1", "schedules-only", scheduleServer.URL, []string{"schedule.*"})
	require.NoError(t, f.webhooks.Create(context.Background(), scheduleSub))
	catchAllSub := webhook.NewSubscription("user-1", "firehose", catchAllServer.URL, []string{"*"})
	require.NoError(t, f.webhooks.Create(context.Background(), catchAllSub))

	f.start(t)

	event := events.NewEventBuilder(events.ExecutionStarted).WithAggregateID("exec-9").Build()
	require.NoError(t, f.bus.Publish(context.Background(), event))

	require.Eventually(t, func() bool {
		deliveries, err := f.webhooks.Deliveries(context.Background(), catchAllSub.ID, 10)
		return err == nil && len(deliveries) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), catchAllHits.Load())
	assert.Zero(t, scheduleHits.Load())

	skipped, err := f.webhooks.Deliveries(context.Background(), scheduleSub.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, skipped)

	// Secretless subscriptions get no signature header.
	assert.False(t, signatureSeen.Load())
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := webhook.NewSubscription("user-1", "flaky-endpoint", server.URL, []string{"*"})
	require.NoError(t, f.webhooks.Create(context.Background(), sub))

	f.start(t)

	require.NoError(t, f.bus.Publish(context.Background(),
		events.NewEventBuilder(events.ExecutionFailed).WithAggregateID("exec-2").Build()))

	require.Eventually(t, func() bool {
		deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
		return err == nil && len(deliveries) == 1 && deliveries[0].DeliveredAt != nil
	}, 3*time.Second, 10*time.Millisecond)

	deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 3, deliveries[0].Attempts)
	assert.Equal(t, http.StatusOK, deliveries[0].StatusCode)
	assert.Empty(t, deliveries[0].Error)

	stored, err := f.webhooks.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailureCount)
}

func TestDispatcherDisablesFailingSubscription(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.maxAttempts = 1
	f.dispatcher.maxFailures = 2

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := webhook.NewSubscription("user-1", "dead-endpoint", server.URL, []string{"*"})
	require.NoError(t, f.webhooks.Create(context.Background(), sub))

	f.start(t)

	require.NoError(t, f.bus.Publish(context.Background(),
		events.NewEventBuilder(events.ExecutionCompleted).Build()))
	require.Eventually(t, func() bool {
		deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
		return err == nil && len(deliveries) == 1
	}, 3*time.Second, 10*time.Millisecond)

	stored, err := f.webhooks.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
	assert.Equal(t, 1, stored.FailureCount)

	require.NoError(t, f.bus.Publish(context.Background(),
		events.NewEventBuilder(events.ExecutionCompleted).Build()))
	require.Eventually(t, func() bool {
		fresh, err := f.webhooks.GetByID(context.Background(), sub.ID)
		return err == nil && !fresh.IsActive
	}, 3*time.Second, 10*time.Millisecond)

	stored, err = f.webhooks.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.FailureCount)

	deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	for _, delivery := range deliveries {
		assert.Equal(t, 1, delivery.Attempts)
		assert.Contains(t, delivery.Error, "500")
	}

	// Disabled subscriptions drop out of the active set.
	require.NoError(t, f.bus.Publish(context.Background(),
		events.NewEventBuilder(events.ExecutionCompleted).Build()))
	time.Sleep(100 * time.Millisecond)
	deliveries, err = f.webhooks.Deliveries(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	assert.Len(t, deliveries, 2)
}

func TestDispatcherShortCircuitsOpenBreaker(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.maxAttempts = 1
	f.dispatcher.maxFailures = 100

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.MinRequests = 2
	breakerCfg.FailureRatio = 1.0
	breakerCfg.Timeout = time.Hour
	f.dispatcher.breakers = resilience.NewRegistry(breakerCfg)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := webhook.NewSubscription("user-1", "dead-endpoint", server.URL, []string{"*"})
	require.NoError(t, f.webhooks.Create(context.Background(), sub))

	f.start(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.bus.Publish(context.Background(),
			events.NewEventBuilder(events.ExecutionCompleted).Build()))
		require.Eventually(t, func() bool {
			deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
			return err == nil && len(deliveries) == i+1
		}, 3*time.Second, 10*time.Millisecond)
	}

	// The first two deliveries reached the endpoint and tripped the
	// breaker; the third failed fast without a request.
	assert.Equal(t, int32(2), hits.Load())

	deliveries, err := f.webhooks.Deliveries(context.Background(), sub.ID, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	var shortCircuited int
	for _, delivery := range deliveries {
		if delivery.Error == "circuit breaker is open" {
			shortCircuited++
			assert.Zero(t, delivery.StatusCode)
		} else {
			assert.Contains(t, delivery.Error, "500")
		}
	}
	assert.Equal(t, 1, shortCircuited)
}
