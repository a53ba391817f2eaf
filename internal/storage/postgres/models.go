package postgres

import (
	"time"

	"github.com/onemcp/onemcp/internal/discovery"
	"github.com/onemcp/onemcp/internal/storage"
)

// DiscoveryModel persists one completed repository discovery. The image tag
// is content-addressed, so (repository_url, image_tag) is naturally unique.
type DiscoveryModel struct {
	ID            uint   `gorm:"primaryKey"`
	RepositoryURL string `gorm:"size:512;uniqueIndex:idx_repo_image"`
	ImageTag      string `gorm:"size:256;uniqueIndex:idx_repo_image"`
	SetupScript   string `gorm:"type:text"`
	Overview      string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DiscoveryModel) TableName() string { return "discoveries" }

func toDiscoveryModel(rec *discovery.Record) *DiscoveryModel {
	return &DiscoveryModel{
		RepositoryURL: rec.RepositoryURL,
		ImageTag:      rec.ImageTag,
		SetupScript:   rec.SetupScript,
		Overview:      rec.Overview,
		CreatedAt:     rec.CreatedAt,
	}
}

func fromDiscoveryModel(m *DiscoveryModel) *discovery.Record {
	return &discovery.Record{
		RepositoryURL: m.RepositoryURL,
		ImageTag:      m.ImageTag,
		SetupScript:   m.SetupScript,
		Overview:      m.Overview,
		CreatedAt:     m.CreatedAt,
	}
}

// SandboxEventModel persists one lifecycle audit entry.
type SandboxEventModel struct {
	ID        uint   `gorm:"primaryKey"`
	SandboxID string `gorm:"size:64;index"`
	Type      string `gorm:"size:32;index"`
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}

func (SandboxEventModel) TableName() string { return "sandbox_events" }

func toEventModel(ev *storage.SandboxEvent) *SandboxEventModel {
	return &SandboxEventModel{
		SandboxID: ev.SandboxID,
		Type:      ev.Type,
		Detail:    ev.Detail,
		CreatedAt: ev.CreatedAt,
	}
}

func fromEventModel(m *SandboxEventModel) *storage.SandboxEvent {
	return &storage.SandboxEvent{
		ID:        m.ID,
		SandboxID: m.SandboxID,
		Type:      m.Type,
		Detail:    m.Detail,
		CreatedAt: m.CreatedAt,
	}
}
