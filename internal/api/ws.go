package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are local tools: editor plugins, extensions, CLIs. Origin
	// carries no trust signal for them.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS handles GET /ws: upgrade and hand the socket to the relay.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.relay.ServeConn(ws)
}
