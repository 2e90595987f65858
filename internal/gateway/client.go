package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/protocol"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound
	// WebSocket message. Prompts with large pasted code set the ceiling.
	maxMessageSize = 256 * 1024

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client represents a single client WebSocket connection. Each client runs
// two goroutines (readPump and writePump) and communicates with the Hub via
// its send channel.
type Client struct {
	hub      *Hub
	conn     Conn
	socketID string
	send     chan []byte
	log      zerolog.Logger

	// Subscription state, protected by mu. Written once during the subscribe
	// handshake and read by the Hub during broadcast.
	mu          sync.RWMutex
	part        *participant.Participant
	clientID    string
	subscribed  bool
	closeOnce   sync.Once
}

func newClient(hub *Hub, conn Conn, socketID string, logger zerolog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		socketID: socketID,
		send:     make(chan []byte, 256),
		log:      logger.With().Str("socket_id", socketID).Logger(),
	}
}

// Participant returns the subscribed participant, or nil before the handshake
// completes.
func (c *Client) Participant() *participant.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.part
}

// ClientID returns the client-supplied device identifier.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// IsSubscribed returns whether the client has completed the subscribe
// handshake.
func (c *Client) IsSubscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

func (c *Client) setSubscribed(p *participant.Participant, clientID string) {
	c.mu.Lock()
	c.part = p
	c.clientID = clientID
	c.subscribed = true
	c.mu.Unlock()
}

// readPump reads messages from the WebSocket connection and routes them by
// type. It runs in its own goroutine and is responsible for unregistering the
// client when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Subscribe deadline: close the connection if the client does not
	// authenticate in time.
	authTimer := time.AfterFunc(c.hub.cfg.SubscribeTimeout, func() {
		if !c.IsSubscribed() {
			c.log.Debug().Msg("Client did not subscribe in time")
			c.closeWithCode(CloseAuthTimeout, ReasonAuthTimeout)
		}
	})
	defer authTimer.Stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(protocol.InvalidMessage, "invalid JSON")
			continue
		}

		switch msg.Type {
		case protocol.ClientPing:
			c.handlePing()
		case protocol.ClientSubscribe:
			c.hub.handleSubscribe(c, msg)
		case protocol.ClientPrompt, protocol.ClientStop, protocol.ClientTyping, protocol.ClientPresence:
			c.hub.handleClientMessage(c, msg)
		default:
			c.sendError(protocol.InvalidMessage, "unknown message type")
		}
	}
}

// writePump writes messages from the send channel to the WebSocket
// connection. It runs in its own goroutine and exits when the send channel is
// closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// handlePing replies with a pong carrying the server timestamp.
func (c *Client) handlePing() {
	frame, err := protocol.Marshal(protocol.ServerPong, map[string]int64{
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// enqueue sends a message to the client's write channel. If the channel is
// full, the message is dropped and the connection closed so backpressure
// never stalls the Hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.hub.unregisterClient(c)
		_ = c.conn.Close()
	}
}

// closeSend closes the send channel exactly once, terminating the writePump.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// sendError delivers a structured error message to this client only.
func (c *Client) sendError(code protocol.Code, message string) {
	frame, err := protocol.Marshal(protocol.ServerError, map[string]string{
		"code":    string(code),
		"message": message,
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// closeWithCode sends a WebSocket close frame with the given code and reason,
// then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
