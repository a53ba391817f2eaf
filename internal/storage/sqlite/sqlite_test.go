package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/onemcp/onemcp/internal/discovery"
	"github.com/onemcp/onemcp/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func TestDiscoveryLookupMiss(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Discoveries().Lookup(context.Background(), "https://github.com/example/unknown")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if rec != nil {
		t.Errorf("expected miss, got %+v", rec)
	}
}

func TestDiscoverySaveAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &discovery.Record{
		RepositoryURL: "https://github.com/example/echo-mcp",
		ImageTag:      "onemcp-echo-mcp-abcdef012345",
		SetupScript:   "#!/bin/bash\necho install\n",
		Overview:      "MCP server from https://github.com/example/echo-mcp",
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Discoveries().Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Re-saving the same (repository, image) pair must not fail.
	if err := s.Discoveries().Save(ctx, rec); err != nil {
		t.Fatalf("duplicate Save() error = %v", err)
	}

	got, err := s.Discoveries().Lookup(ctx, rec.RepositoryURL)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected a record after Save")
	}
	if got.ImageTag != rec.ImageTag || got.SetupScript != rec.SetupScript {
		t.Errorf("Lookup() = %+v, want %+v", got, rec)
	}
}

func TestDiscoveryLookupReturnsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	const repo = "https://github.com/example/echo-mcp"

	older := &discovery.Record{RepositoryURL: repo, ImageTag: "onemcp-echo-111111111111", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &discovery.Record{RepositoryURL: repo, ImageTag: "onemcp-echo-222222222222", CreatedAt: time.Now().UTC()}
	for _, rec := range []*discovery.Record{older, newer} {
		if err := s.Discoveries().Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := s.Discoveries().Lookup(ctx, repo)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.ImageTag != newer.ImageTag {
		t.Errorf("Lookup() returned %q, want newest %q", got.ImageTag, newer.ImageTag)
	}
}

func TestEventsAppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, typ := range []string{"discovered", "started", "stopped"} {
		ev := &storage.SandboxEvent{
			SandboxID: "sb-1",
			Type:      typ,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.Events().Append(ctx, ev); err != nil {
			t.Fatalf("Append(%s) error = %v", typ, err)
		}
		if ev.ID == 0 {
			t.Errorf("Append(%s) did not assign an ID", typ)
		}
	}

	events, err := s.Events().Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent(2) returned %d events", len(events))
	}
	if events[0].Type != "stopped" {
		t.Errorf("most recent event = %q, want stopped", events[0].Type)
	}
}
