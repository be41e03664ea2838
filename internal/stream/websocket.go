package stream

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

type websocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketSink sends each frame as a JSON text message. Keepalives become
// ping control frames.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

func (s *WebSocketSink) WriteFrame(frame Frame) error {
	deadline := time.Now().Add(s.writeTimeout)
	if frame.Event == "" {
		return s.conn.WriteControl(websocket.PingMessage, []byte(frame.Comment), deadline)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(websocketMessage{Event: frame.Event, Data: json.RawMessage(frame.Data)})
}
