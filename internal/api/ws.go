package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/ws"
)

// WSHandler handles the websocket upgrade endpoint GET /ws.
//
// There is no authentication: identity (userId, username) is supplied later
// by the joinFamily event and taken at face value. Origin enforcement
// happens inside the upgrader's CheckOrigin.
type WSHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *ws.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws. It upgrades the connection and starts the client
// read/write pumps. The handler blocks until the connection closes — this is
// expected for websocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	client, err := ws.NewClient(h.hub, w, r)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("conn_id", client.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Run blocks until the connection closes. The pumps handle presence
	// cleanup and hub deregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("conn_id", client.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)
}
