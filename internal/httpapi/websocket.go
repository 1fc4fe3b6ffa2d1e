package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// handleAdminWS serves the admin channel: one command per text frame and
// exactly one response frame per command, strictly in order.
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("admin ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBody)

	s.logger.Printf("admin ws connected from %s", r.RemoteAddr)
	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				s.logger.Printf("admin ws read: %v", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		resp := s.dispatcher.Handle(r.Context(), frame)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Printf("admin ws write: %v", err)
			return
		}
	}
}
