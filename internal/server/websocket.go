package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const minPongWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// drainClient reads until the peer goes away and then calls done. Stream
// websockets are send-only; inbound data messages are discarded. The peer
// must answer at least one ping per pongWait.
func drainClient(conn *websocket.Conn, pongWait time.Duration, done func()) {
	defer done()
	if pongWait < minPongWait {
		pongWait = minPongWait
	}
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
