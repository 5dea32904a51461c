package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// eventWriteWait bounds each websocket write. The server's WriteTimeout
// deadline is replaced on every message so the stream can outlive it.
const eventWriteWait = 10 * time.Second

// handleEvents streams pool events to a websocket client until it
// disconnects or the broker closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	broker := s.pool.Events()
	if broker == nil {
		s.writeError(w, http.StatusNotFound, "event stream not enabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	events, unsub := broker.Subscribe()
	defer unsub()

	// The read loop only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pool shut down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write", "error", err)
				return
			}
		case <-gone:
			return
		}
	}
}
