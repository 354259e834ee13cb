// Package ws streams engine lifecycle events to connected clients over
// websockets. Clients join rooms keyed by execution, workflow, or
// schedule id and receive the events that touch them; authenticated
// clients also receive events addressed to their user id.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/waveflow-go/pkg/events"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/metrics"
)

// Hub tracks active connections and their room memberships.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]bool
	userIndex map[string]map[*Client]bool
	roomIndex map[string]map[*Client]bool
	closed    bool
	logger    logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		userIndex: make(map[string]map[*Client]bool),
		roomIndex: make(map[string]map[*Client]bool),
		logger:    log.With("component", "ws"),
	}
}

// Bridge subscribes the hub to the engine's event stream.
func Bridge(bus events.EventBus, hub *Hub) error {
	return bus.Subscribe("*", func(ctx context.Context, event events.Event) error {
		hub.Publish(event)
		return nil
	})
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(client.send)
		client.conn.Close()
		return
	}

	h.clients[client] = true
	if client.userID != "" {
		if h.userIndex[client.userID] == nil {
			h.userIndex[client.userID] = make(map[*Client]bool)
		}
		h.userIndex[client.userID][client] = true
	}
	metrics.WebsocketConnections.Inc()
	h.logger.Debug("Client connected", "user_id", client.userID)
}

// Unregister is idempotent; the first call closes the client's send
// channel and drops it from every index.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if client.userID != "" {
		if clients, ok := h.userIndex[client.userID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.userIndex, client.userID)
			}
		}
	}
	for room := range client.rooms {
		if clients, ok := h.roomIndex[room]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.roomIndex, room)
			}
		}
	}
	metrics.WebsocketConnections.Dec()
	h.logger.Debug("Client disconnected", "user_id", client.userID)
}

func (h *Hub) Join(client *Client, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	if h.roomIndex[room] == nil {
		h.roomIndex[room] = make(map[*Client]bool)
	}
	h.roomIndex[room][client] = true
	client.rooms[room] = true
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.roomIndex[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.roomIndex, room)
		}
	}
	delete(client.rooms, room)
}

// Publish routes one event to every connection it concerns. Recipients
// are collected first so a client reached through both a room and its
// user id still gets a single copy.
func (h *Hub) Publish(event events.Event) {
	message := Message{Type: "event", Event: event.Type, Payload: eventPayload(event)}

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to encode event for websocket", "event_type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]bool)
	if event.UserID != "" {
		for client := range h.userIndex[event.UserID] {
			targets[client] = true
		}
	}
	for _, room := range eventRooms(event) {
		for client := range h.roomIndex[room] {
			targets[client] = true
		}
	}

	var stale []*Client
	for client := range targets {
		select {
		case client.send <- data:
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	h.drop(stale)
}

// Broadcast sends a raw message to every connection.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	var stale []*Client
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	h.drop(stale)
}

// sendTo queues a frame for one client if it is still registered. The
// membership check under the read lock keeps the send from racing the
// channel close in removeLocked.
func (h *Hub) sendTo(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[client] {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// drop disconnects clients whose send buffers are full; a reader that
// cannot keep up must not block the hub.
func (h *Hub) drop(stale []*Client) {
	if len(stale) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range stale {
		h.removeLocked(client)
		client.conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects everything and rejects future registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		h.removeLocked(client)
		client.conn.Close()
	}
}

// eventRooms names the rooms an event lands in.
func eventRooms(event events.Event) []string {
	var rooms []string
	switch event.AggregateType {
	case "execution":
		rooms = append(rooms, "execution:"+event.AggregateID)
		if workflowID, ok := event.Payload["workflowId"].(string); ok && workflowID != "" {
			rooms = append(rooms, "workflow:"+workflowID)
		}
	case "workflow":
		rooms = append(rooms, "workflow:"+event.AggregateID)
	case "schedule":
		rooms = append(rooms, "schedule:"+event.AggregateID)
	}
	return rooms
}

// eventPayload flattens the envelope fields clients need alongside the
// event's own payload.
func eventPayload(event events.Event) map[string]interface{} {
	payload := make(map[string]interface{}, len(event.Payload)+3)
	for k, v := range event.Payload {
		payload[k] = v
	}
	payload["id"] = event.AggregateID
	payload["eventId"] = event.ID
	payload["timestamp"] = event.Timestamp
	return payload
}
