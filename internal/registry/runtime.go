package registry

import (
	"context"

	"github.com/onemcp/onemcp/internal/docker"
	"github.com/onemcp/onemcp/internal/session"
)

// dockerSandbox adapts a docker.Container to the Sandbox interface.
type dockerSandbox struct {
	container *docker.Container
}

func (d *dockerSandbox) Transport() session.Transport { return d.container.Channel() }

func (d *dockerSandbox) Stop(ctx context.Context) error { return d.container.Stop(ctx) }

func (d *dockerSandbox) Remove(ctx context.Context) { d.container.Remove(ctx) }

// dockerRuntime adapts the docker engine to the Runtime interface.
type dockerRuntime struct {
	engine *docker.Engine
}

// NewDockerRuntime wraps the docker engine for registry use.
func NewDockerRuntime(engine *docker.Engine) Runtime {
	return &dockerRuntime{engine: engine}
}

func (d *dockerRuntime) Start(ctx context.Context, name string, meta docker.BootstrapMetadata, port int) (Sandbox, error) {
	container, err := d.engine.StartContainer(ctx, name, meta, port)
	if err != nil {
		return nil, err
	}
	return &dockerSandbox{container: container}, nil
}
