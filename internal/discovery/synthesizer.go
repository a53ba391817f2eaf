package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onemcp/onemcp/internal/llm"
	"github.com/onemcp/onemcp/internal/observability"
)

// systemPrompt instructs the model to emit a bare bash installation script.
// The script must leave a /run_mcp.sh launcher behind so the baked image can
// start the server from its CMD.
const systemPrompt = `You are an expert at installing MCP (Model Context Protocol) servers.
You will be given the GitHub URL of an MCP server repository and its README.

Produce a bash script that, when run as root inside a fresh Ubuntu 24.04
container, installs every dependency of the MCP server and the server itself.
The script must also write an executable /run_mcp.sh that starts the MCP
server in stdio mode.

Rules:
- Output ONLY the bash script. No prose, no markdown fences.
- The script must be non-interactive (use -y flags, DEBIAN_FRONTEND=noninteractive).
- Prefer the installation method the README documents.
- /run_mcp.sh must exec the server so it speaks JSON-RPC over stdin/stdout.`

// ScriptSynthesizer produces an installation script for an MCP server
// repository.
type ScriptSynthesizer interface {
	SynthesizeSetupScript(ctx context.Context, repoURL, readme string) (string, error)
}

// LLMSynthesizer implements ScriptSynthesizer on top of an llm.Provider.
type LLMSynthesizer struct {
	provider llm.Provider
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
}

// NewLLMSynthesizer creates a synthesizer backed by the given provider.
func NewLLMSynthesizer(provider llm.Provider, logger *slog.Logger) *LLMSynthesizer {
	return &LLMSynthesizer{provider: provider, logger: logger}
}

// WithMetrics attaches token accounting. Accepts nil.
func (s *LLMSynthesizer) WithMetrics(m *observability.MetricsCollector) *LLMSynthesizer {
	s.metrics = m
	return s
}

// SynthesizeSetupScript asks the model for an installation script and
// normalizes the reply into runnable bash.
func (s *LLMSynthesizer) SynthesizeSetupScript(ctx context.Context, repoURL, readme string) (string, error) {
	prompt := fmt.Sprintf("The GitHub URL for the MCP server is %s. Here is the README:\n%s", repoURL, readme)

	resp, err := s.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("synthesizing setup script: %w", err)
	}
	if s.metrics != nil {
		s.metrics.LLMTokensUsed.WithLabelValues(s.provider.Name(), resp.Model, "input").Add(float64(resp.Usage.InputTokens))
		s.metrics.LLMTokensUsed.WithLabelValues(s.provider.Name(), resp.Model, "output").Add(float64(resp.Usage.OutputTokens))
	}

	script := stripFences(strings.TrimSpace(resp.Content))
	if script == "" {
		return "", fmt.Errorf("synthesizing setup script: model returned empty output")
	}

	s.logger.InfoContext(ctx, "setup script synthesized",
		slog.String("repository", repoURL),
		slog.String("provider", s.provider.Name()),
		slog.Int("script_bytes", len(script)),
	)
	return script, nil
}

// stripFences removes a surrounding markdown code fence if the model emitted
// one despite instructions.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}
