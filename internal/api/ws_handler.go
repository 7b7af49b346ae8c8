package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vdavid/threadmail/internal/auth"
	"github.com/vdavid/threadmail/internal/logger"
	ws "github.com/vdavid/threadmail/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler handles the /api/v1/ws endpoint for live updates.
type WebSocketHandler struct {
	auth *auth.Authenticator
	hub  *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(authenticator *auth.Authenticator, hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{auth: authenticator, hub: hub}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server runs behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle authenticates the request, upgrades it and registers the
// connection for the actor's partner. Browsers cannot set headers on
// WebSocket requests, so the token may come as ?token=.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	actor, err := h.auth.Authenticate(r)
	if err != nil {
		logger.Log.Info("websocket_auth_failed", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("websocket_upgrade_failed", zap.Int64("partner_id", actor.PartnerID), zap.Error(err))
		return
	}

	client := h.hub.Register(actor.PartnerID, conn)
	if client == nil {
		return
	}
	logger.Log.Debug("websocket_connected", zap.Int64("partner_id", actor.PartnerID))

	go h.readLoop(actor.PartnerID, client)
}

// readLoop drains the connection until it closes, then unregisters it.
func (h *WebSocketHandler) readLoop(partnerID int64, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(partnerID, client)
}
