package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestEncode(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantID  bool
		wantSub string
	}{
		{
			name:    "request carries id",
			req:     NewRequest(7, "tools/call", map[string]any{"name": "ping"}),
			wantID:  true,
			wantSub: `"method":"tools/call"`,
		},
		{
			name:    "notification omits id",
			req:     NewInitializedNotification(),
			wantID:  false,
			wantSub: `"method":"notifications/initialized"`,
		},
		{
			name:    "initialize uses id 1",
			req:     NewInitializeRequest("2024-11-05"),
			wantID:  true,
			wantSub: `"protocolVersion":"2024-11-05"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := tt.req.Encode()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Contains(line, "\n") {
				t.Error("encoded request must be a single line")
			}
			if got := strings.Contains(line, `"id"`); got != tt.wantID {
				t.Errorf("id presence = %v, want %v (line: %s)", got, tt.wantID, line)
			}
			if !strings.Contains(line, tt.wantSub) {
				t.Errorf("line %q missing %q", line, tt.wantSub)
			}
		})
	}
}

func TestInitializeRequestDefaultsProtocolVersion(t *testing.T) {
	line, err := NewInitializeRequest("").Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(line, `"protocolVersion":"`) {
		t.Errorf("initialize without explicit version should still carry one: %s", line)
	}
}

func TestResponseClassification(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantNotif bool
		wantErr   bool
	}{
		{
			name: "response with result",
			raw:  `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
		},
		{
			name:    "response with error",
			raw:     `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
			wantErr: true,
		},
		{
			name:      "notification",
			raw:       `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`,
			wantNotif: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tt.raw), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := resp.IsNotification(); got != tt.wantNotif {
				t.Errorf("IsNotification() = %v, want %v", got, tt.wantNotif)
			}
			if got := resp.Error != nil; got != tt.wantErr {
				t.Errorf("error presence = %v, want %v", got, tt.wantErr)
			}
		})
	}
}

func TestListToolsResultDecode(t *testing.T) {
	raw := `{"tools":[{"name":"ping","description":"returns pong","inputSchema":{"type":"object"}}]}`
	var result ListToolsResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(result.Tools))
	}
	if result.Tools[0].Name != "ping" || result.Tools[0].Description != "returns pong" {
		t.Errorf("unexpected tool: %+v", result.Tools[0])
	}
}
