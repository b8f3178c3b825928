package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/pkg/protocol"
)

func TestClassifyClaudeTool(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		input    string
		wantKind string
		check    func(t *testing.T, d protocol.ToolDetail)
	}{
		{
			name:     "bash command",
			tool:     "Bash",
			input:    `{"command":"go test ./..."}`,
			wantKind: protocol.ToolDetailShell,
			check: func(t *testing.T, d protocol.ToolDetail) {
				assert.Equal(t, "go test ./...", d.Command)
			},
		},
		{
			name:     "file read",
			tool:     "Read",
			input:    `{"file_path":"/src/main.go"}`,
			wantKind: protocol.ToolDetailRead,
			check: func(t *testing.T, d protocol.ToolDetail) {
				assert.Equal(t, "/src/main.go", d.FilePath)
			},
		},
		{
			name:     "edit",
			tool:     "Edit",
			input:    `{"file_path":"/src/main.go","old_string":"a","new_string":"b"}`,
			wantKind: protocol.ToolDetailEdit,
		},
		{
			name:     "write",
			tool:     "Write",
			input:    `{"file_path":"/src/new.go"}`,
			wantKind: protocol.ToolDetailWrite,
		},
		{
			name:     "grep search",
			tool:     "Grep",
			input:    `{"pattern":"func main"}`,
			wantKind: protocol.ToolDetailSearch,
			check: func(t *testing.T, d protocol.ToolDetail) {
				assert.Equal(t, "func main", d.Query)
			},
		},
		{
			name:     "web search",
			tool:     "WebSearch",
			input:    `{"query":"go generics"}`,
			wantKind: protocol.ToolDetailSearch,
			check: func(t *testing.T, d protocol.ToolDetail) {
				assert.Equal(t, "go generics", d.Query)
			},
		},
		{
			name:     "sub agent",
			tool:     "Task",
			input:    `{"subagent_type":"explore","description":"find the config loader"}`,
			wantKind: protocol.ToolDetailSubAgent,
			check: func(t *testing.T, d protocol.ToolDetail) {
				assert.Equal(t, "explore", d.SubAgentType)
				assert.Equal(t, "find the config loader", d.Description)
			},
		},
		{
			name:     "unknown tool keeps raw input",
			tool:     "mcp__custom__thing",
			input:    `{"arg":1}`,
			wantKind: protocol.ToolDetailUnknown,
			check: func(t *testing.T, d protocol.ToolDetail) {
				assert.JSONEq(t, `{"arg":1}`, string(d.RawInput))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detail := ClassifyClaudeTool(tt.tool, json.RawMessage(tt.input))
			assert.Equal(t, tt.wantKind, detail.Kind)
			if tt.check != nil {
				tt.check(t, detail)
			}
		})
	}
}

func TestValidateMode(t *testing.T) {
	m := Manifest{
		ID:            "claude",
		Modes:         []protocol.Mode{{ID: "default"}, {ID: "plan"}},
		DefaultModeID: "default",
	}

	got, err := ValidateMode(m, "")
	require.NoError(t, err)
	assert.Equal(t, "default", got)

	got, err = ValidateMode(m, "plan")
	require.NoError(t, err)
	assert.Equal(t, "plan", got)

	_, err = ValidateMode(m, "yolo")
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	mock := NewMockProvider()
	reg := NewRegistry(mock)

	p, err := reg.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.ID())

	_, err = reg.Get("missing")
	require.Error(t, err)
}
