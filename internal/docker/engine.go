// Package docker materializes, launches, supervises, and destroys the
// isolated execution environments that host sandboxed MCP servers. All
// operations shell out to the docker CLI through an injectable Runner so
// tests can fake the container engine.
package docker

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

//go:embed install_mcp.dockerfile
var installDockerfile string

// containerPort is the fixed port MCP server containers expose internally;
// each instance maps it to a unique host port.
const containerPort = 8000

const (
	defaultWorkdir = "/app"

	// Readiness polling for freshly launched containers.
	readyAttempts = 5
	readyBackoff  = time.Second

	cleanupTimeout = 5 * time.Second
)

// Runner executes a docker CLI invocation and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// execRunner shells out to the real docker binary.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "docker", args...).CombinedOutput()
}

// BootstrapMetadata describes how to materialize and launch one
// environment. Immutable once passed to StartContainer.
type BootstrapMetadata struct {
	ContainerImageTag    string            `json:"container_image_tag"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	WorkingDirectory     string            `json:"working_directory,omitempty"`
	Entrypoint           string            `json:"entrypoint,omitempty"`
}

// Engine builds images and launches containers for sandbox instances.
type Engine struct {
	runner  Runner
	backoff time.Duration
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner overrides the docker CLI runner (tests).
func WithRunner(r Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithReadyBackoff overrides the readiness poll interval (tests).
func WithReadyBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// NewEngine creates an Engine that shells out to the docker CLI.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{runner: execRunner{}, backoff: readyBackoff, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildImage turns a generated setup script into a reusable image tagged
// imageTag. The build context is a scratch directory holding the embedded
// Dockerfile plus the script; it is removed whether or not the build
// succeeds. Slow by nature — must never run under the registry lock.
func (e *Engine) BuildImage(ctx context.Context, setupScript, imageTag string) error {
	dir, err := os.MkdirTemp("", "onemcp-build-")
	if err != nil {
		return fmt.Errorf("creating build context: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(installDockerfile), 0o644); err != nil {
		return fmt.Errorf("writing Dockerfile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "setup.sh"), []byte(setupScript), 0o755); err != nil {
		return fmt.Errorf("writing setup script: %w", err)
	}

	e.logger.Info("building sandbox image", slog.String("image", imageTag))

	start := time.Now()
	out, err := e.runner.Run(ctx, "build", "-t", imageTag, dir)
	if err != nil {
		return &BuildError{ImageTag: imageTag, Output: strings.TrimSpace(string(out)), Err: err}
	}

	e.logger.Info("sandbox image built",
		slog.String("image", imageTag),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// runArgs constructs the docker run argument list for one instance. The
// container stays attached (-i) so its stdio becomes the MCP transport.
func runArgs(name string, meta BootstrapMetadata, port int) []string {
	args := []string{
		"run", "-i",
		"-p", fmt.Sprintf("%d:%d", port, containerPort),
		"--name", name,
	}

	for _, k := range sortedKeys(meta.EnvironmentVariables) {
		args = append(args, "-e", k+"="+meta.EnvironmentVariables[k])
	}

	workdir := meta.WorkingDirectory
	if workdir == "" {
		workdir = defaultWorkdir
	}
	args = append(args, "-w", workdir)

	args = append(args, meta.ContainerImageTag)

	if meta.Entrypoint != "" {
		args = append(args, strings.Fields(meta.Entrypoint)...)
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ensureRunning polls `docker inspect` until the named container reports a
// running state, up to readyAttempts with readyBackoff between polls. On
// failure the half-created container is removed best-effort before the
// StartupError surfaces.
func (e *Engine) ensureRunning(ctx context.Context, name string) error {
	var lastErr string

	for attempt := 0; attempt < readyAttempts; attempt++ {
		out, err := e.runner.Run(ctx, "inspect", "-f", "{{.State.Running}}", name)
		state := strings.ToLower(strings.TrimSpace(string(out)))
		if err == nil && state == "true" {
			return nil
		}
		if err != nil {
			lastErr = strings.TrimSpace(string(out))
		}

		select {
		case <-ctx.Done():
			e.removeContainer(name)
			return ctx.Err()
		case <-time.After(e.backoff):
		}
	}

	e.removeContainer(name)
	return &StartupError{Name: name, Attempts: readyAttempts, LastErr: lastErr}
}

// removeContainer force-removes a container by name. Best-effort: failures
// are logged, never propagated, so cleanup cannot mask a primary error.
func (e *Engine) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	out, err := e.runner.Run(ctx, "rm", "-f", name)
	if err != nil && !strings.Contains(string(out), "No such container") {
		e.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
}

// PruneImages removes dangling images left behind by discarded builds.
// Failures are logged and swallowed — pruning must never block shutdown.
func (e *Engine) PruneImages(ctx context.Context) {
	out, err := e.runner.Run(ctx, "image", "prune", "-f")
	if err != nil {
		e.logger.Warn("docker image prune failed",
			slog.String("output", strings.TrimSpace(string(out))),
		)
		return
	}
	e.logger.Debug("pruned dangling images")
}

// ListContainers returns the names of containers whose name matches the
// given prefix filter, running or not. Used by the janitor sweep.
func (e *Engine) ListContainers(ctx context.Context, namePrefix string) ([]string, error) {
	out, err := e.runner.Run(ctx, "ps", "-a", "--filter", "name="+namePrefix, "--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w: %s", err, strings.TrimSpace(string(out)))
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// RemoveContainer force-removes a container by name, best-effort.
func (e *Engine) RemoveContainer(ctx context.Context, name string) {
	e.removeContainer(name)
}
