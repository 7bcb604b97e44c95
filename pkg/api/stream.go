package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// websocketUpgrader narrows the gorilla upgrader for testability.
type websocketUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

func defaultUpgrader() websocketUpgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// handleStream upgrades to a websocket and streams transcript entries as
// JSON frames. The optional "from" query parameter resumes from that
// sequence (1-based, inclusive); absent or zero means from the beginning.
// Entries arrive in sequence order with no gaps, so a client that
// reconnects with from set to its last seen sequence plus one misses
// nothing.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var from uint64 = 1
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if n > 0 {
			from = n
		}
	}

	sub, err := s.bus.Subscribe(r.Context(), id, from)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer sub.Close()

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "deliberation", id, "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes are noticed; readPump
	// cancels the stream by closing the connection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for entry := range sub.C() {
		if err := conn.WriteJSON(entry); err != nil {
			s.logger.Debug("stream write failed", "deliberation", id, "error", err)
			return
		}
	}
}
