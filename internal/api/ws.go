package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tkwest/switchboard/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API has no browser origin story yet; it is expected to sit
	// behind a reverse proxy that enforces one.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsError is sent when a turn fails; the connection stays open for
// the next submission.
type wsError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handleChatWS runs turns over a WebSocket. Each client text frame is
// one TurnRequest; the reply is the engine's event stream: an ack with
// the thread ID, the relay content, then a done marker.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var req TurnRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Message == "" {
			s.writeWS(conn, wsError{Type: "error", Message: "expected {thread_id?, user_id?, message}"})
			continue
		}

		_, err = s.eng.ProcessTurn(r.Context(), req.ThreadID, req.UserID, req.Message, func(ev engine.TurnEvent) {
			s.writeWS(conn, ev)
		})
		if err != nil {
			s.logger.Error("websocket turn failed", "error", err)
			s.writeWS(conn, wsError{Type: "error", Message: "turn failed"})
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("websocket marshal failed", "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}
