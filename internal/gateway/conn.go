package gateway

import "time"

// Message types mirroring the websocket package constants, so tests can fake
// a connection without a network round-trip.
const (
	TextMessage  = 1
	CloseMessage = 8
)

// Conn is the subset of *websocket.Conn the hub uses. fasthttp/websocket's
// Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}
