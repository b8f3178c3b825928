package codexwire

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

func TestClient_CallRoundTrip(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdinR.Close()
	defer stdoutW.Close()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	client.Start(context.Background())
	defer client.Stop()

	// Fake server: echo a thread back for thread/start.
	go func() {
		var req Request
		if err := json.NewDecoder(stdinR).Decode(&req); err != nil {
			return
		}
		if req.Method != MethodThreadStart {
			return
		}
		result, _ := json.Marshal(ThreadResult{Thread: &Thread{ID: "thr-1"}})
		data, _ := json.Marshal(Response{ID: req.ID, Result: result})
		_, _ = stdoutW.Write(append(data, '\n'))
	}()

	resp, err := client.Call(context.Background(), MethodThreadStart, ThreadStartParams{Cwd: "/tmp"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var result ThreadResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result.Thread.ID != "thr-1" {
		t.Errorf("Thread.ID = %q, want %q", result.Thread.ID, "thr-1")
	}
}

func TestClient_Notify(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	if err := client.Notify(MethodInitialized, nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	var msg Notification
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if msg.Method != MethodInitialized {
		t.Errorf("Method = %q, want %q", msg.Method, MethodInitialized)
	}
}

func TestClient_DispatchesNotifications(t *testing.T) {
	line := `{"method":"item/agentMessage/delta","params":{"threadId":"thr-1","itemId":"it-1","delta":"hel"}}` + "\n"
	client := NewClient(io.Discard, strings.NewReader(line), newTestLogger())

	var mu sync.Mutex
	var gotMethod string
	var gotParams DeltaParams
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		gotMethod = method
		_ = json.Unmarshal(params, &gotParams)
	})

	client.Start(context.Background())
	defer client.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotMethod != ""
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != NotifyItemAgentMessageDelta {
		t.Errorf("method = %q, want %q", gotMethod, NotifyItemAgentMessageDelta)
	}
	if gotParams.Delta != "hel" {
		t.Errorf("Delta = %q, want %q", gotParams.Delta, "hel")
	}
}

func TestClient_DispatchesServerRequests(t *testing.T) {
	line := `{"id":7,"method":"item/commandExecution/requestApproval","params":{"threadId":"thr-1","command":"rm -rf build"}}` + "\n"

	var out bytes.Buffer
	var outMu sync.Mutex
	client := NewClient(writerFunc(func(p []byte) (int, error) {
		outMu.Lock()
		defer outMu.Unlock()
		return out.Write(p)
	}), strings.NewReader(line), newTestLogger())

	var mu sync.Mutex
	var gotParams CommandApprovalParams
	client.SetRequestHandler(func(id any, method string, params json.RawMessage) {
		mu.Lock()
		_ = json.Unmarshal(params, &gotParams)
		mu.Unlock()
		_ = client.Respond(id, ApprovalResponse{Decision: DecisionAccept}, nil)
	})

	client.Start(context.Background())
	defer client.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		outMu.Lock()
		done := out.Len() > 0
		outMu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	if gotParams.Command != "rm -rf build" {
		t.Errorf("Command = %q, want %q", gotParams.Command, "rm -rf build")
	}
	mu.Unlock()

	outMu.Lock()
	defer outMu.Unlock()
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	var decision ApprovalResponse
	if err := json.Unmarshal(resp.Result, &decision); err != nil {
		t.Fatalf("failed to parse decision: %v", err)
	}
	if decision.Decision != DecisionAccept {
		t.Errorf("Decision = %q, want %q", decision.Decision, DecisionAccept)
	}
}

func TestFlexibleContent_BothShapes(t *testing.T) {
	var fromString FlexibleContent
	if err := json.Unmarshal([]byte(`"plain thought"`), &fromString); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if fromString.Text() != "plain thought" {
		t.Errorf("Text() = %q, want %q", fromString.Text(), "plain thought")
	}

	var fromParts FlexibleContent
	if err := json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), &fromParts); err != nil {
		t.Fatalf("unmarshal parts: %v", err)
	}
	if fromParts.Text() != "ab" {
		t.Errorf("Text() = %q, want %q", fromParts.Text(), "ab")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
