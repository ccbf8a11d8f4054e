package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"casesync/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Validate origin in production
		return true
	},
}

// TokenVerifier validates the bearer token presented at Open time.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// ServeWS authenticates the request and upgrades it to a persistent
// connection. Rooms are joined per-message afterwards; one connection
// serves all of a client's rooms.
func ServeWS(m *Manager, verifier TokenVerifier, w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr

	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		slog.Warn("[WS] No token provided", "from", remoteAddr)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		slog.Warn("[WS] Token validation failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "user", claims.Subject, "error", err)
		return
	}

	slog.Info("[WS] Connection upgraded", "user", claims.Subject, "from", remoteAddr)
	m.Open(conn, claims.Identity())
}
