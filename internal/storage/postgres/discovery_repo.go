package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/onemcp/onemcp/internal/discovery"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// DiscoveryRepository implements discovery.Cache on GORM.
type DiscoveryRepository struct {
	db *gorm.DB
}

// NewDiscoveryRepository creates a discovery record repository.
func NewDiscoveryRepository(db *gorm.DB) *DiscoveryRepository {
	return &DiscoveryRepository{db: db}
}

// Lookup returns the newest record for a repository URL, or (nil, nil) when
// the repository has never been discovered.
func (r *DiscoveryRepository) Lookup(ctx context.Context, repoURL string) (*discovery.Record, error) {
	var m DiscoveryModel
	err := r.db.WithContext(ctx).
		Where("repository_url = ?", repoURL).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up discovery for %s: %w", repoURL, err)
	}
	return fromDiscoveryModel(&m), nil
}

// Save persists a record. A concurrent save of the same (repository, image)
// pair is not an error.
func (r *DiscoveryRepository) Save(ctx context.Context, rec *discovery.Record) error {
	err := r.db.WithContext(ctx).Create(toDiscoveryModel(rec)).Error
	if err == nil || isDuplicate(err) {
		return nil
	}
	return fmt.Errorf("saving discovery for %s: %w", rec.RepositoryURL, err)
}

// isDuplicate reports whether err is a unique constraint violation on either
// backend. SQLite surfaces gorm.ErrDuplicatedKey, PostgreSQL a PgError.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
