// Package protocol defines the wire types exchanged between clients, the
// coordinator, and the sandbox. All messages are JSON objects discriminated by
// a "type" field.
package protocol

import "encoding/json"

// ClientMessageType enumerates the message types a client may send over the
// WebSocket.
type ClientMessageType string

const (
	ClientPing      ClientMessageType = "ping"
	ClientSubscribe ClientMessageType = "subscribe"
	ClientPrompt    ClientMessageType = "prompt"
	ClientStop      ClientMessageType = "stop"
	ClientTyping    ClientMessageType = "typing"
	ClientPresence  ClientMessageType = "presence"
)

// ClientMessage is the envelope for all client-originated WebSocket messages.
// Fields beyond Type are populated depending on the message type.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	Token       string            `json:"token,omitempty"`
	ClientID    string            `json:"clientId,omitempty"`
	Content     string            `json:"content,omitempty"`
	Model       string            `json:"model,omitempty"`
	Attachments json.RawMessage   `json:"attachments,omitempty"`
	Status      string            `json:"status,omitempty"`
	Cursor      json.RawMessage   `json:"cursor,omitempty"`
}

// ServerMessageType enumerates the message types the coordinator broadcasts to
// clients.
type ServerMessageType string

const (
	ServerPong            ServerMessageType = "pong"
	ServerSubscribed      ServerMessageType = "subscribed"
	ServerPromptQueued    ServerMessageType = "prompt_queued"
	ServerSandboxStatus   ServerMessageType = "sandbox_status"
	ServerSandboxSpawning ServerMessageType = "sandbox_spawning"
	ServerSandboxWarming  ServerMessageType = "sandbox_warming"
	ServerSandboxWarning  ServerMessageType = "sandbox_warning"
	ServerSandboxError    ServerMessageType = "sandbox_error"
	ServerSandboxRestored ServerMessageType = "sandbox_restored"
	ServerSnapshotSaved   ServerMessageType = "snapshot_saved"
	ServerSandboxEvent    ServerMessageType = "sandbox_event"
	ServerPresenceSync    ServerMessageType = "presence_sync"
	ServerPresenceUpdate  ServerMessageType = "presence_update"
	ServerArtifactCreated ServerMessageType = "artifact_created"
	ServerSessionStatus   ServerMessageType = "session_status"
	ServerMessageHistory  ServerMessageType = "message_history"
	ServerError           ServerMessageType = "error"
)

// ServerMessage is the envelope for server-originated WebSocket messages. The
// Data field carries the per-type payload already serialised as JSON.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`
	Data json.RawMessage   `json:"data,omitempty"`
}

// Marshal serialises a server message with the given payload. A nil payload
// produces a bare type-only message.
func Marshal(t ServerMessageType, payload any) ([]byte, error) {
	if payload == nil {
		return json.Marshal(ServerMessage{Type: t})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{Type: t, Data: data})
}
