package claudewire

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paseo-dev/paseo/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func TestClient_SendPrompt(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	if err := client.SendPrompt("run the tests"); err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}

	var msg PromptMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Content != "run the tests" {
		t.Errorf("Content = %q, want %q", msg.Message.Content, "run the tests")
	}
}

func TestClient_SendControlResponse(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req-1",
		Response: &ControlResponse{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: BehaviorAllow},
		},
	})
	if err != nil {
		t.Fatalf("SendControlResponse() error = %v", err)
	}

	var parsed ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if parsed.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", parsed.RequestID, "req-1")
	}
	if parsed.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("Behavior = %q, want %q", parsed.Response.Result.Behavior, BehaviorAllow)
	}
}

func TestClient_RoutesStreamMessages(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"system","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
	}, "\n") + "\n"

	client := NewClient(io.Discard, strings.NewReader(lines), newTestLogger())

	var mu sync.Mutex
	var got []*StreamMessage
	client.SetMessageHandler(func(msg *StreamMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	<-client.Start(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want %q", got[0].SessionID, "sess-1")
	}
	if got[1].Message.Content[0].Text != "hi" {
		t.Errorf("Text = %q, want %q", got[1].Message.Content[0].Text, "hi")
	}
}

func TestClient_RoutesControlRequests(t *testing.T) {
	line := `{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}` + "\n"
	client := NewClient(io.Discard, strings.NewReader(line), newTestLogger())

	var mu sync.Mutex
	var gotID string
	var gotReq *ControlRequest
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		mu.Lock()
		gotID = requestID
		gotReq = req
		mu.Unlock()
	})

	<-client.Start(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotReq != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if gotID != "perm-1" {
		t.Errorf("requestID = %q, want %q", gotID, "perm-1")
	}
	if gotReq.ToolName != ToolBash {
		t.Errorf("ToolName = %q, want %q", gotReq.ToolName, ToolBash)
	}
}

func TestClient_Initialize(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()
	defer stdoutW.Close()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	<-client.Start(context.Background())
	defer client.Stop()

	// Fake CLI: read the initialize request, answer it.
	go func() {
		var req OutgoingControlRequest
		dec := json.NewDecoder(stdinR)
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := map[string]any{
			"type": MessageTypeControlResponse,
			"response": map[string]any{
				"request_id": req.RequestID,
				"subtype":    "success",
				"response": map[string]any{
					"commands": []map[string]string{{"name": "compact"}},
				},
			},
		}
		data, _ := json.Marshal(resp)
		_, _ = stdoutW.Write(append(data, '\n'))
	}()

	data, err := client.Initialize(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(data.Commands) != 1 || data.Commands[0].Name != "compact" {
		t.Errorf("Commands = %+v, want one entry named compact", data.Commands)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
