package docker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/onemcp/onemcp/internal/transport"
)

// Container is a single running sandbox container attached over stdio. The
// attached docker run process lives as long as the container; its stdin and
// stdout carry the MCP wire protocol.
type Container struct {
	name   string
	port   int
	cmd    *exec.Cmd
	ch     *transport.Channel
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// StartContainer launches one container named name from meta, maps port to
// the container's MCP port, and waits for the engine to report it running.
// On readiness failure the container is force-removed and a StartupError
// returned, so a failed start leaves nothing behind.
func (e *Engine) StartContainer(ctx context.Context, name string, meta BootstrapMetadata, port int) (*Container, error) {
	args := runArgs(name, meta, port)

	e.logger.Info("starting sandbox container",
		slog.String("container", name),
		slog.String("image", meta.ContainerImageTag),
		slog.Int("port", port),
	)

	// The attached process must outlive ctx (a request-scoped context would
	// kill the container when the request ends), so it is not bound to it.
	cmd := exec.Command("docker", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	cmd.Stderr = &logWriter{logger: e.logger, container: name}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning docker run: %w", err)
	}

	ch := transport.NewChannel(stdin, stdout, e.logger.With(slog.String("container", name)))

	c := &Container{
		name:   name,
		port:   port,
		cmd:    cmd,
		ch:     ch,
		runner: e.runner,
		logger: e.logger,
	}

	// Reap the process only after the output pump has drained, so no
	// buffered server output is lost to an early Wait.
	go func() {
		<-ch.Done()
		_ = cmd.Wait()
	}()

	if err := e.ensureRunning(ctx, name); err != nil {
		c.ch.Close()
		_ = stdin.Close()
		return nil, err
	}

	e.logger.Info("sandbox container running", slog.String("container", name))
	return c, nil
}

// Channel returns the stdio transport attached to this container.
func (c *Container) Channel() *transport.Channel { return c.ch }

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// Port returns the mapped host port.
func (c *Container) Port() int { return c.port }

// Stop gracefully stops the container. Idempotent: repeat calls return nil
// without touching the engine. A container already gone counts as stopped.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.ch.Close()

	out, err := c.runner.Run(ctx, "stop", c.name)
	if err != nil && !strings.Contains(string(out), "No such container") {
		return fmt.Errorf("docker stop %s: %w: %s", c.name, err, strings.TrimSpace(string(out)))
	}
	c.logger.Info("sandbox container stopped", slog.String("container", c.name))
	return nil
}

// Remove force-removes the container, best-effort.
func (c *Container) Remove(ctx context.Context) {
	out, err := c.runner.Run(ctx, "rm", "-f", c.name)
	if err != nil && !strings.Contains(string(out), "No such container") {
		c.logger.Warn("docker rm -f failed",
			slog.String("container", c.name),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
}

// logWriter surfaces container stderr through the structured logger so
// server-side diagnostics are not silently dropped.
type logWriter struct {
	logger    *slog.Logger
	container string
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug("container stderr",
				slog.String("container", w.container),
				slog.String("line", line),
			)
		}
	}
	return len(p), nil
}
