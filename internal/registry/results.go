package registry

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/onemcp/onemcp/internal/docker"
)

// Response codes carried in every registry result. Operations never return
// a bare error to callers; failures are folded into these codes so the HTTP
// surface stays uniform.
const (
	CodeOK          = "200"
	CodeNotFound    = "404"
	CodeCapacity    = "429"
	CodeInternal    = "500"
	CodeUnavailable = "503"
)

// DiscoverResult is the outcome of a repository discovery. Tools come from a
// throwaway instance booted during discovery; SetupScript is returned so the
// caller can register it externally.
type DiscoverResult struct {
	ResponseCode      string                    `json:"response_code"`
	Overview          string                    `json:"overview,omitempty"`
	Tools             []mcp.Tool                `json:"tools,omitempty"`
	SetupScript       string                    `json:"setup_script,omitempty"`
	BootstrapMetadata *docker.BootstrapMetadata `json:"bootstrap_metadata,omitempty"`
	ErrorDescription  string                    `json:"error_description,omitempty"`
}

// StartResult is the outcome of starting a sandbox instance.
type StartResult struct {
	ResponseCode     string `json:"response_code"`
	SandboxID        string `json:"sandbox_id,omitempty"`
	Endpoint         string `json:"endpoint,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ToolsResult is the outcome of listing a sandbox's tools.
type ToolsResult struct {
	ResponseCode     string     `json:"response_code"`
	Tools            []mcp.Tool `json:"tools,omitempty"`
	ErrorDescription string     `json:"error_description,omitempty"`
}

// CallResult is the outcome of invoking a tool. Result carries the raw
// JSON-RPC response envelope from the sandboxed server, error member
// included; MCP-level failures are the caller's to interpret.
type CallResult struct {
	ResponseCode     string         `json:"response_code"`
	Result           map[string]any `json:"response,omitempty"`
	ErrorDescription string         `json:"error_description,omitempty"`
}

// StopResult is the outcome of stopping a sandbox instance.
type StopResult struct {
	ResponseCode     string `json:"response_code"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// InstanceInfo is the externally visible summary of a running instance.
type InstanceInfo struct {
	SandboxID string   `json:"sandbox_id"`
	Endpoint  string   `json:"endpoint"`
	Port      int      `json:"port"`
	Status    string   `json:"status"`
	ImageTag  string   `json:"image_tag"`
	StartedAt string   `json:"started_at"`
	ToolNames []string `json:"tool_names,omitempty"`
}
