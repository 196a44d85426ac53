package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careerdesk/counselor/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBufferSize = 64
)

// handleEvents upgrades to a WebSocket and streams run events as JSON
// text frames. ?user_id= restricts the stream to one user's runs.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "event stream not configured")
		return
	}

	var filter events.Filter
	userID := r.URL.Query().Get("user_id")
	if userID != "" {
		filter = events.ForUser(userID)
	}

	// Subscribe before the handshake completes so no event published
	// after the client sees the upgrade is missed.
	sub := s.bus.Subscribe(wsBufferSize, filter)
	defer s.bus.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := s.logger.With("remote", r.RemoteAddr, "user_id", userID)
	log.Debug("event stream opened")

	// The read side only services control frames and notices the
	// client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("event stream closed by client")
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("event write failed", "error", err)
				return
			}
		}
	}
}
