package mcp

import (
	"encoding/json"
	"testing"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  ServerConfig
		wantErr bool
	}{
		{
			name:   "valid",
			config: ServerConfig{Name: "fs", Command: "/usr/local/bin/fs-server", Args: []string{"--root", "/workspace"}},
		},
		{
			name:    "missing name",
			config:  ServerConfig{Command: "/usr/local/bin/fs-server"},
			wantErr: true,
		},
		{
			name:    "missing command",
			config:  ServerConfig{Name: "fs"},
			wantErr: true,
		},
		{
			name:    "command path traversal",
			config:  ServerConfig{Name: "fs", Command: "../../bin/sh"},
			wantErr: true,
		},
		{
			name:    "workdir path traversal",
			config:  ServerConfig{Name: "fs", Command: "/usr/bin/fs-server", WorkDir: "/workspace/../../etc"},
			wantErr: true,
		},
		{
			name:    "shell metacharacters in args",
			config:  ServerConfig{Name: "fs", Command: "/usr/bin/fs-server", Args: []string{"--eval", "$(rm -rf /)"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToolCallResultText(t *testing.T) {
	result := &ToolCallResult{
		Content: []ToolResultContent{
			{Type: "text", Text: "line one"},
			{Type: "image", Text: ""},
			{Type: "text", Text: "line two"},
		},
	}
	if got := result.Text(); got != "line one\nline two" {
		t.Errorf("Text() = %q", got)
	}
}

func TestRPCErrorMessage(t *testing.T) {
	var resp jsonrpcResponse
	raw := `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"method not found"}}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected error in response")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("code = %d", resp.Error.Code)
	}
	if resp.Error.Error() == "" {
		t.Error("Error() returned empty string")
	}
}
