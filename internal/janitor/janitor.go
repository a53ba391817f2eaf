// Package janitor implements the periodic resource sweep: it removes
// containers that outlived their registry entry (orphans from crashes or
// failed cleanups) and prunes dangling images left behind by discarded
// builds. It runs as a background goroutine on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ContainerPrefix marks containers owned by this service. Only containers
// whose name carries it are ever touched by the sweep.
const ContainerPrefix = "onemcp-"

// Engine is the subset of the container engine the janitor needs.
type Engine interface {
	ListContainers(ctx context.Context, namePrefix string) ([]string, error)
	RemoveContainer(ctx context.Context, name string)
	PruneImages(ctx context.Context)
}

// ActiveFunc reports the container names that belong to live instances.
type ActiveFunc func() []string

// Janitor sweeps orphaned sandbox resources on a schedule.
type Janitor struct {
	engine      Engine
	active      ActiveFunc
	schedule    cron.Schedule
	pruneImages bool
	logger      *slog.Logger
}

// New creates a Janitor. spec is a standard five-field cron expression.
func New(engine Engine, active ActiveFunc, spec string, pruneImages bool, logger *slog.Logger) (*Janitor, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", spec, err)
	}
	return &Janitor{
		engine:      engine,
		active:      active,
		schedule:    schedule,
		pruneImages: pruneImages,
		logger:      logger,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "janitor started")
		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("janitor stopped")
				return
			case <-timer.C:
				j.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep removes orphaned containers and optionally prunes dangling images.
// Exported so shutdown and tests can trigger a sweep directly.
func (j *Janitor) Sweep(ctx context.Context) {
	names, err := j.engine.ListContainers(ctx, ContainerPrefix)
	if err != nil {
		j.logger.WarnContext(ctx, "janitor sweep: listing containers failed", slog.Any("error", err))
		return
	}

	live := make(map[string]struct{})
	for _, name := range j.active() {
		live[name] = struct{}{}
	}

	removed := 0
	for _, name := range names {
		if !strings.HasPrefix(name, ContainerPrefix) {
			continue
		}
		if _, ok := live[name]; ok {
			continue
		}
		j.logger.InfoContext(ctx, "removing orphaned container", slog.String("container", name))
		j.engine.RemoveContainer(ctx, name)
		removed++
	}

	if j.pruneImages {
		j.engine.PruneImages(ctx)
	}

	j.logger.InfoContext(ctx, "janitor sweep complete",
		slog.Int("containers_seen", len(names)),
		slog.Int("orphans_removed", removed),
	)
}
