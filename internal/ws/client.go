package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection. Its send channel is owned by the
// hub; only Unregister closes it.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	rooms  map[string]bool
}

// Message is the frame exchanged with clients. Inbound frames carry
// subscribe/unsubscribe/ping requests; outbound frames carry events and
// acks.
type Message struct {
	Type    string      `json:"type"`
	Event   string      `json:"event,omitempty"`
	Room    string      `json:"room,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Serve upgrades the request and runs the connection's pumps until the
// peer goes away. userID may be empty for unauthenticated connections.
func Serve(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		rooms:  make(map[string]bool),
	}
	hub.Register(client)

	go client.writePump()
	go client.readPump()
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket read failed", "error", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.logger.Debug("Dropping unparseable websocket frame", "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		c.hub.Join(c, msg.Room)
		c.ack("subscribed", msg.Room)
	case "unsubscribe":
		c.hub.Leave(c, msg.Room)
		c.ack("unsubscribed", msg.Room)
	case "ping":
		c.reply(Message{Type: "pong", Payload: time.Now().UnixMilli()})
	default:
		c.hub.logger.Debug("Unknown websocket message type", "type", msg.Type)
	}
}

func (c *Client) ack(event, room string) {
	c.reply(Message{Type: "ack", Event: event, Room: room})
}

// reply queues a frame for this connection only, dropping it if the
// client is already being evicted.
func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.sendTo(c, data)
}
