package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/onemcp/onemcp/internal/storage"
)

// EventRepository implements storage.EventStore on GORM.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a lifecycle event repository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append persists one lifecycle event.
func (r *EventRepository) Append(ctx context.Context, ev *storage.SandboxEvent) error {
	m := toEventModel(ev)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("appending sandbox event: %w", err)
	}
	ev.ID = m.ID
	return nil
}

// Recent returns the newest events, most recent first.
func (r *EventRepository) Recent(ctx context.Context, limit int) ([]*storage.SandboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []SandboxEventModel
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandbox events: %w", err)
	}

	events := make([]*storage.SandboxEvent, 0, len(models))
	for i := range models {
		events = append(events, fromEventModel(&models[i]))
	}
	return events, nil
}
