// Package protocol defines the JSON-RPC 2.0 message shapes exchanged with
// sandboxed MCP servers over their standard input/output, plus the message
// types of the sandbox HTTP API. All wire messages are newline-delimited JSON.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// MessageType identifies the sandbox API operation requested via the
// X-OneMCP-Message-Type header on POST /sandbox.
type MessageType string

const (
	MsgDiscover MessageType = "DISCOVER"
	MsgStart    MessageType = "START"
	MsgGetTools MessageType = "GET_TOOLS"
	MsgCallTool MessageType = "CALL_TOOL"
	MsgStop     MessageType = "STOP"
)

// HeaderMessageType is the HTTP header carrying the MessageType.
const HeaderMessageType = "X-OneMCP-Message-Type"

// Request ids used by the MCP handshake. Every session starts with
// initialize (id 1); the first post-handshake request uses id 2.
const (
	InitializeID = 1
	CallID       = 2
)

// clientInfo reported to MCP servers during initialize.
const (
	clientName    = "onemcp-sandbox"
	clientVersion = "0.1.0"
)

// Request is an outbound JSON-RPC 2.0 request or notification.
// A nil ID marks a notification — no response is expected or correlated.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC request with the given id.
func NewRequest(id int64, method string, params any) Request {
	return Request{JSONRPC: mcp.JSONRPC_VERSION, ID: &id, Method: method, Params: params}
}

// NewNotification creates a JSON-RPC notification (no id, no response).
func NewNotification(method string, params any) Request {
	return Request{JSONRPC: mcp.JSONRPC_VERSION, Method: method, Params: params}
}

// Encode serializes the request as a single compact JSON line (no trailing
// newline — the transport owns framing).
func (r Request) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding %s request: %w", r.Method, err)
	}
	return string(data), nil
}

// Response is an inbound JSON-RPC message. Servers interleave responses
// (id + result/error) with notifications (method, no id) on one stream;
// correlation logic distinguishes them via ID and Method.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether the message is a server-initiated
// notification rather than a response to an outstanding request.
func (r *Response) IsNotification() bool {
	return r.ID == nil && r.Method != ""
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// initializeParams is the params object of the MCP initialize request.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewInitializeRequest builds the initialize request (id 1) with an empty
// capability set. An empty protocolVersion falls back to the latest version
// the MCP library knows.
func NewInitializeRequest(protocolVersion string) Request {
	if protocolVersion == "" {
		protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	return NewRequest(InitializeID, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	})
}

// NewInitializedNotification builds the notifications/initialized message
// sent after a successful initialize response. Fire-and-forget.
func NewInitializedNotification() Request {
	return NewNotification("notifications/initialized", nil)
}

// NewListToolsRequest builds the tools/list request (id 2).
func NewListToolsRequest() Request {
	return NewRequest(CallID, "tools/list", map[string]any{})
}

// ListToolsResult is the result payload of a tools/list response.
type ListToolsResult struct {
	Tools []mcp.Tool `json:"tools"`
}
