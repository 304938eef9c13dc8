package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/nolandruid/CasaStellar2025/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// EventHub fans payroll lifecycle events out to websocket subscribers. It
// listens on the broker's payroll subjects so every orchestrator instance
// feeds the same stream.
type EventHub struct {
	bus *messaging.Client
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

// NewEventHub subscribes to all payroll subjects on the broker.
func NewEventHub(bus *messaging.Client, log *logrus.Logger) (*EventHub, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &EventHub{
		bus:     bus,
		log:     log.WithField("component", "event_hub"),
		clients: make(map[uuid.UUID]*wsClient),
	}
	if err := bus.Subscribe("payroll.>", h.relay); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *EventHub) relay(msg *nats.Msg) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- msg.Data:
		default:
			// Slow consumer, drop the event rather than block the relay.
		}
	}
}

// Handle upgrades the request and streams events until the peer goes away.
func (h *EventHub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	go h.readPump(client)
	go h.writePump(client)
}

func (h *EventHub) readPump(client *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		// Inbound frames are ignored; reading just detects disconnect.
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// Close disconnects every client. The broker subscription is torn down with
// the bus connection itself.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		client.conn.Close()
		delete(h.clients, id)
	}
}
