package dashboard

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emakarov/megobari-sub000/pkg/protocol"
)

// handleStream upgrades /ws/messages and relays bus events as JSON text
// frames until the client goes away. The token rides in the query string;
// a bad one gets close code 4001 so clients can distinguish auth failure
// from a dropped connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	tok, err := s.st.VerifyDashboardToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Error("stream token lookup failed", "error", err)
		return
	}
	if tok == nil {
		msg := websocket.FormatCloseMessage(protocol.CloseUnauthorized, "unauthorized")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	events := s.bus.Subscribe()
	defer s.bus.Unsubscribe(events)

	id := uuid.NewString()[:8]
	s.logger.Info("stream subscriber connected", "id", id, "token", tok.Name, "remote", r.RemoteAddr)
	defer s.logger.Info("stream subscriber disconnected", "id", id)

	// The client never sends data frames; reading surfaces disconnects and
	// close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
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
				// Evicted by the bus as a slow consumer.
				s.logger.Warn("stream subscriber evicted", "id", id)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
