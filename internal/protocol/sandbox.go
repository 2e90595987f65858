package protocol

import (
	"encoding/json"
	"fmt"
)

// SandboxEventType enumerates the event types a sandbox may report.
type SandboxEventType string

const (
	EventToolCall          SandboxEventType = "tool_call"
	EventToolResult        SandboxEventType = "tool_result"
	EventToken             SandboxEventType = "token"
	EventError             SandboxEventType = "error"
	EventGitSync           SandboxEventType = "git_sync"
	EventExecutionComplete SandboxEventType = "execution_complete"
	EventHeartbeat         SandboxEventType = "heartbeat"
	EventPushComplete      SandboxEventType = "push_complete"
	EventPushError         SandboxEventType = "push_error"
)

// knownEventTypes is the set of event types the coordinator accepts. Unknown
// types are rejected at the ingestion boundary.
var knownEventTypes = map[SandboxEventType]bool{
	EventToolCall:          true,
	EventToolResult:        true,
	EventToken:             true,
	EventError:             true,
	EventGitSync:           true,
	EventExecutionComplete: true,
	EventHeartbeat:         true,
	EventPushComplete:      true,
	EventPushError:         true,
}

// SandboxEvent is a tagged variant over the heterogeneous events the sandbox
// emits. Typed fields are decoded only for the event types the coordinator
// interprets; Raw always retains the original JSON body for persistence and
// opaque broadcast.
type SandboxEvent struct {
	Type SandboxEventType
	Raw  json.RawMessage

	// execution_complete
	Success   bool
	MessageID string

	// git_sync
	SyncStatus string
	SHA        string

	// push_complete / push_error
	BranchName string
	PushError  string
}

// eventBody is the superset of typed fields across interpreted event types.
type eventBody struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	MessageID  string `json:"messageId"`
	Status     string `json:"status"`
	SHA        string `json:"sha"`
	BranchName string `json:"branchName"`
	Error      string `json:"error"`
}

// ParseSandboxEvent decodes a raw sandbox event. The raw bytes are retained
// verbatim on the returned event.
func ParseSandboxEvent(raw []byte) (*SandboxEvent, error) {
	var body eventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode sandbox event: %w", err)
	}
	t := SandboxEventType(body.Type)
	if !knownEventTypes[t] {
		return nil, fmt.Errorf("unknown sandbox event type %q", body.Type)
	}
	return &SandboxEvent{
		Type:       t,
		Raw:        json.RawMessage(raw),
		Success:    body.Success,
		MessageID:  body.MessageID,
		SyncStatus: body.Status,
		SHA:        body.SHA,
		BranchName: body.BranchName,
		PushError:  body.Error,
	}, nil
}

// SandboxCommandType enumerates the commands the coordinator sends to the
// sandbox.
type SandboxCommandType string

const (
	CommandPrompt   SandboxCommandType = "prompt"
	CommandStop     SandboxCommandType = "stop"
	CommandShutdown SandboxCommandType = "shutdown"
	CommandPush     SandboxCommandType = "push"
)

// PromptAuthor identifies the participant that authored a prompt, forwarded to
// the sandbox for commit attribution.
type PromptAuthor struct {
	ID    string `json:"id"`
	Login string `json:"login,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// SandboxCommand is the envelope for coordinator-to-sandbox commands.
type SandboxCommand struct {
	Type        SandboxCommandType `json:"type"`
	MessageID   string             `json:"messageId,omitempty"`
	Content     string             `json:"content,omitempty"`
	Model       string             `json:"model,omitempty"`
	Author      *PromptAuthor      `json:"author,omitempty"`
	Attachments json.RawMessage    `json:"attachments,omitempty"`
	BranchName  string             `json:"branchName,omitempty"`
	RepoOwner   string             `json:"repoOwner,omitempty"`
	RepoName    string             `json:"repoName,omitempty"`
	GithubToken string             `json:"githubToken,omitempty"`
}
