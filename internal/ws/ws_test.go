package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
)

type wsFixture struct {
	hub    *Hub
	server *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	hub := NewHub(logger.NewNop())
	t.Cleanup(hub.Close)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = Serve(hub, w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(server.Close)

	return &wsFixture{hub: hub, server: server}
}

func (f *wsFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitConnected blocks until the hub has registered n connections; the
// dialer returns before the server-side handler runs Register.
func (f *wsFixture) waitConnected(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.hub.ConnectionCount() == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", Room: room}))
	ack := readFrame(t, conn)
	require.Equal(t, "ack", ack.Type)
	require.Equal(t, room, ack.Room)
}

func TestHubRoutesExecutionEventsToRooms(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "")
	subscribe(t, conn, "execution:exec-1")

	// The unsubscribed execution's event must not reach this client, so
	// the next frame read has to be the subscribed one.
	f.hub.Publish(events.NewEventBuilder(events.ExecutionCompleted).
		WithAggregateID("exec-2").
		WithAggregateType("execution").
		Build())
	f.hub.Publish(events.NewEventBuilder(events.ExecutionStarted).
		WithAggregateID("exec-1").
		WithAggregateType("execution").
		WithPayload("workflowId", "wf-1").
		Build())

	frame := readFrame(t, conn)
	assert.Equal(t, "event", frame.Type)
	assert.Equal(t, events.ExecutionStarted, frame.Event)

	payload, ok := frame.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "exec-1", payload["id"])
	assert.Equal(t, "wf-1", payload["workflowId"])
}

func TestHubRoutesWorkflowRoomThroughPayload(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "")
	subscribe(t, conn, "workflow:wf-7")

	f.hub.Publish(events.NewEventBuilder(events.ExecutionStarted).
		WithAggregateID("exec-3").
		WithAggregateType("execution").
		WithPayload("workflowId", "wf-7").
		Build())

	frame := readFrame(t, conn)
	assert.Equal(t, events.ExecutionStarted, frame.Event)
}

func TestHubSendsUserEventsToAuthenticatedClients(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "?user=user-1")
	f.waitConnected(t, 1)

	f.hub.Publish(events.NewEventBuilder(events.ExecutionApproved).
		WithAggregateID("exec-4").
		WithAggregateType("execution").
		WithUserID("someone-else").
		Build())
	f.hub.Publish(events.NewEventBuilder(events.ExecutionPendingApproval).
		WithAggregateID("exec-5").
		WithAggregateType("execution").
		WithUserID("user-1").
		Build())

	frame := readFrame(t, conn)
	assert.Equal(t, events.ExecutionPendingApproval, frame.Event)
}

func TestHubDeliversOneCopyWhenRoomAndUserOverlap(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "?user=user-1")
	subscribe(t, conn, "execution:exec-6")

	f.hub.Publish(events.NewEventBuilder(events.ExecutionFailed).
		WithAggregateID("exec-6").
		WithAggregateType("execution").
		WithUserID("user-1").
		Build())
	f.hub.Publish(events.NewEventBuilder(events.ExecutionStateChanged).
		WithAggregateID("exec-6").
		WithAggregateType("execution").
		Build())

	first := readFrame(t, conn)
	assert.Equal(t, events.ExecutionFailed, first.Event)
	second := readFrame(t, conn)
	assert.Equal(t, events.ExecutionStateChanged, second.Event)
}

func TestHubUnsubscribeStopsRoomDelivery(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "")
	subscribe(t, conn, "schedule:sched-1")

	require.NoError(t, conn.WriteJSON(Message{Type: "unsubscribe", Room: "schedule:sched-1"}))
	ack := readFrame(t, conn)
	require.Equal(t, "ack", ack.Type)
	require.Equal(t, "unsubscribed", ack.Event)

	f.hub.Publish(events.NewEventBuilder(events.ScheduleTriggered).
		WithAggregateID("sched-1").
		WithAggregateType("schedule").
		Build())

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Type)
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "")

	require.Eventually(t, func() bool {
		return f.hub.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	f := newWSFixture(t)

	bus := events.NewMemoryEventBus()
	t.Cleanup(func() { _ = bus.Close() })
	require.NoError(t, Bridge(bus, f.hub))

	conn := f.dial(t, "?user=user-9")
	f.waitConnected(t, 1)

	require.NoError(t, bus.Publish(context.Background(),
		events.NewEventBuilder(events.ExecutionCancelled).
			WithAggregateID("exec-8").
			WithAggregateType("execution").
			WithUserID("user-9").
			Build()))

	frame := readFrame(t, conn)
	assert.Equal(t, events.ExecutionCancelled, frame.Event)
}
