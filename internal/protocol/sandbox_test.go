package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseSandboxEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, ev *SandboxEvent)
	}{
		{
			"execution complete",
			`{"type":"execution_complete","success":true,"messageId":"m-1"}`,
			false,
			func(t *testing.T, ev *SandboxEvent) {
				if ev.Type != EventExecutionComplete || !ev.Success || ev.MessageID != "m-1" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			"git sync",
			`{"type":"git_sync","status":"synced","sha":"abc123"}`,
			false,
			func(t *testing.T, ev *SandboxEvent) {
				if ev.SyncStatus != "synced" || ev.SHA != "abc123" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			"push error",
			`{"type":"push_error","branchName":"particl/session-x","error":"remote rejected"}`,
			false,
			func(t *testing.T, ev *SandboxEvent) {
				if ev.BranchName != "particl/session-x" || ev.PushError != "remote rejected" {
					t.Errorf("event = %+v", ev)
				}
			},
		},
		{
			"heartbeat with extra fields",
			`{"type":"heartbeat","uptime":120,"memoryMb":512}`,
			false,
			func(t *testing.T, ev *SandboxEvent) {
				if ev.Type != EventHeartbeat {
					t.Errorf("type = %v", ev.Type)
				}
			},
		},
		{"unknown type", `{"type":"reboot"}`, true, nil},
		{"missing type", `{"success":true}`, true, nil},
		{"not json", `not json`, true, nil},
		{"json array", `[1,2,3]`, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := ParseSandboxEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseSandboxEvent() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSandboxEvent() error = %v", err)
			}
			if string(ev.Raw) != tt.raw {
				t.Errorf("Raw = %s, want original bytes", ev.Raw)
			}
			tt.check(t, ev)
		})
	}
}

func TestMarshal(t *testing.T) {
	t.Parallel()

	b, err := Marshal(ServerPromptQueued, map[string]any{"messageId": "m-1", "position": 3})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var env ServerMessage
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != ServerPromptQueued {
		t.Errorf("type = %v", env.Type)
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["messageId"] != "m-1" || data["position"] != float64(3) {
		t.Errorf("data = %v", data)
	}
}

func TestMarshalNilPayload(t *testing.T) {
	t.Parallel()

	b, err := Marshal(ServerPong, nil)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(b) != `{"type":"pong"}` {
		t.Errorf("Marshal() = %s", b)
	}
}
