// Package websocket is the live bus: it pushes events to the open sessions
// of each partner.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/models"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
	// gorilla connections support one concurrent writer.
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per partner.
// A partner may have several connections (one per tab).
type Hub struct {
	mu            sync.RWMutex
	clients       map[int64]map[*Client]struct{}
	maxPerPartner int
}

// NewHub creates a new Hub with a per-partner connection limit.
func NewHub(maxPerPartner int) *Hub {
	if maxPerPartner <= 0 {
		maxPerPartner = 10
	}
	return &Hub{
		clients:       make(map[int64]map[*Client]struct{}),
		maxPerPartner: maxPerPartner,
	}
}

// Register adds a connection for the partner. Over the limit, the new
// connection is closed and nil is returned.
func (h *Hub) Register(partnerID int64, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	partnerClients, ok := h.clients[partnerID]
	if !ok {
		partnerClients = make(map[*Client]struct{})
		h.clients[partnerID] = partnerClients
	}

	if len(partnerClients) >= h.maxPerPartner {
		logger.Log.Warn("websocket_limit_exceeded", zap.Int64("partner_id", partnerID), zap.Int("max", h.maxPerPartner))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	partnerClients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(partnerID int64, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if partnerClients, ok := h.clients[partnerID]; ok {
		delete(partnerClients, client)
		if len(partnerClients) == 0 {
			delete(h.clients, partnerID)
		}
	}
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Send writes a message to every connection of the partner.
func (h *Hub) Send(partnerID int64, msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[partnerID]))
	for client := range h.clients[partnerID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			logger.Log.Warn("websocket_write_failed", zap.Int64("partner_id", partnerID), zap.Error(err))
			go h.Unregister(partnerID, client)
		}
	}
}

// Publish pushes live events to the sessions of their partners.
// Partners without an open session are skipped.
func (h *Hub) Publish(events []models.LiveEvent) {
	for _, event := range events {
		if h.ActiveConnections(event.PartnerID) == 0 {
			continue
		}
		msg, err := json.Marshal(event)
		if err != nil {
			logger.Log.Error("websocket_encode_failed", zap.String("type", event.Type), zap.Error(err))
			continue
		}
		h.Send(event.PartnerID, msg)
	}
}

// ActiveConnections returns the number of open connections of a partner.
func (h *Hub) ActiveConnections(partnerID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[partnerID])
}
