package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"chatbridge/internal/auth"
	"chatbridge/internal/server"
	"chatbridge/pkg/logger"
)

type WebSocketHandlers struct {
	authService *auth.Service
	hub         *server.Hub
	service     *server.Service
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, hub *server.Hub, service *server.Service) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		hub:         hub,
		service:     service,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	user, err := h.authService.GetUserFromToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	sess := server.NewSession(h.hub, h.service, conn, user)
	if first := h.hub.Register(sess); first {
		h.service.BroadcastPresence(user, true)
	}

	go sess.WritePump()
	go sess.ReadPump()
}
