package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/onemcp/onemcp/internal/docker"
	"github.com/onemcp/onemcp/internal/observability"
)

// Record is one completed discovery: the repository analyzed, the script the
// model produced, and the image baked from it.
type Record struct {
	RepositoryURL string
	ImageTag      string
	SetupScript   string
	Overview      string
	CreatedAt     time.Time
}

// Cache persists discovery records so a repository is analyzed and built at
// most once per script revision. Lookup returns (nil, nil) on a miss.
type Cache interface {
	Lookup(ctx context.Context, repoURL string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// ImageBuilder bakes a setup script into a runnable image.
type ImageBuilder interface {
	BuildImage(ctx context.Context, setupScript, imageTag string) error
}

// Result is what a successful discovery yields. Tools stays empty here; the
// registry populates it from the throwaway instance it boots afterwards.
type Result struct {
	Overview          string
	SetupScript       string
	Tools             []mcp.Tool
	BootstrapMetadata docker.BootstrapMetadata
}

// Service orchestrates repository analysis end to end.
type Service struct {
	readmes ReadmeFetcher
	synth   ScriptSynthesizer
	builder ImageBuilder
	cache   Cache
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewService wires a discovery pipeline. cache may be nil to disable
// persistence.
func NewService(readmes ReadmeFetcher, synth ScriptSynthesizer, builder ImageBuilder, cache Cache, logger *slog.Logger) *Service {
	return &Service{
		readmes: readmes,
		synth:   synth,
		builder: builder,
		cache:   cache,
		logger:  logger,
	}
}

// WithMetrics attaches build accounting. Accepts nil.
func (s *Service) WithMetrics(m *observability.MetricsCollector) *Service {
	s.metrics = m
	return s
}

// Discover analyzes repoURL and returns bootstrap metadata for starting the
// server. Callers that already hold the repository README pass it in; an
// empty readme is fetched from the hosting service. A cached record whose
// image tag is already built short-circuits the LLM call and the image build.
func (s *Service) Discover(ctx context.Context, repoURL, readme string) (*Result, error) {
	if s.cache != nil {
		rec, err := s.cache.Lookup(ctx, repoURL)
		if err != nil {
			s.logger.WarnContext(ctx, "discovery cache lookup failed",
				slog.String("repository", repoURL),
				slog.Any("error", err),
			)
		} else if rec != nil {
			s.logger.InfoContext(ctx, "discovery cache hit",
				slog.String("repository", repoURL),
				slog.String("image", rec.ImageTag),
			)
			return resultFrom(rec), nil
		}
	}

	if readme == "" {
		fetched, err := s.readmes.FetchReadme(ctx, repoURL)
		if err != nil {
			return nil, err
		}
		readme = fetched
	}

	script, err := s.synth.SynthesizeSetupScript(ctx, repoURL, readme)
	if err != nil {
		return nil, err
	}

	tag := ImageTag(repoURL, script)
	if err := s.builder.BuildImage(ctx, script, tag); err != nil {
		s.countBuild("error")
		return nil, err
	}
	s.countBuild("success")

	rec := &Record{
		RepositoryURL: repoURL,
		ImageTag:      tag,
		SetupScript:   script,
		Overview:      fmt.Sprintf("MCP server from %s", repoURL),
		CreatedAt:     time.Now().UTC(),
	}
	if s.cache != nil {
		if err := s.cache.Save(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "persisting discovery record failed",
				slog.String("repository", repoURL),
				slog.Any("error", err),
			)
		}
	}

	return resultFrom(rec), nil
}

func (s *Service) countBuild(status string) {
	if s.metrics != nil {
		s.metrics.ImageBuildsTotal.WithLabelValues(status).Inc()
	}
}

func resultFrom(rec *Record) *Result {
	return &Result{
		Overview:    rec.Overview,
		SetupScript: rec.SetupScript,
		Tools:       []mcp.Tool{},
		BootstrapMetadata: docker.BootstrapMetadata{
			ContainerImageTag: rec.ImageTag,
		},
	}
}
