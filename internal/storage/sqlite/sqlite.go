// Package sqlite persists the snapshot index in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite snapshot repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.SnapshotRepository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite snapshot repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite snapshot repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// CreateSnapshot satisfies storage.SnapshotRepository.
func (r *Repository) CreateSnapshot(ctx context.Context, s model.SnapshotRecord) error {
	if err := s.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO snapshots (
			id, cache_key, parent_key, layer_digest,
			excludes, size_bytes, entries, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		s.ID,
		s.CacheKey,
		s.ParentKey,
		s.LayerDigest,
		strings.Join(s.Excludes, ","),
		s.SizeBytes,
		s.Entries,
		s.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: snapshots.") {
			return fmt.Errorf("snapshot already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert snapshot: %w", err)
	}

	r.logger.Debugf("Created snapshot in repository: %s", s.ID)
	return nil
}

// GetSnapshot satisfies storage.SnapshotRepository.
func (r *Repository) GetSnapshot(ctx context.Context, id string) (*model.SnapshotRecord, error) {
	query := selectColumns + ` WHERE id = ?`

	snap, err := r.scanOne(ctx, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query snapshot: %w", err)
	}

	return snap, nil
}

// GetSnapshotByCacheKey satisfies storage.SnapshotRepository.
func (r *Repository) GetSnapshotByCacheKey(ctx context.Context, cacheKey string) (*model.SnapshotRecord, error) {
	query := selectColumns + ` WHERE cache_key = ?`

	snap, err := r.scanOne(ctx, query, cacheKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot with cache key %s: %w", cacheKey, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query snapshot: %w", err)
	}

	return snap, nil
}

// ListSnapshots satisfies storage.SnapshotRepository.
func (r *Repository) ListSnapshots(ctx context.Context) ([]model.SnapshotRecord, error) {
	query := selectColumns + ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.SnapshotRecord
	for rows.Next() {
		snap, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return snaps, nil
}

// DeleteSnapshot satisfies storage.SnapshotRepository.
func (r *Repository) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("snapshot %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Deleted snapshot from repository: %s", id)
	return nil
}

const selectColumns = `
	SELECT
		id, cache_key, parent_key, layer_digest,
		excludes, size_bytes, entries, created_at
	FROM snapshots
`

func (r *Repository) scanOne(ctx context.Context, query string, arg any) (*model.SnapshotRecord, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	snap, err := r.scanRow(row)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanRow(s scanner) (model.SnapshotRecord, error) {
	var snap model.SnapshotRecord
	var excludes string
	var createdAt int64

	err := s.Scan(
		&snap.ID,
		&snap.CacheKey,
		&snap.ParentKey,
		&snap.LayerDigest,
		&excludes,
		&snap.SizeBytes,
		&snap.Entries,
		&createdAt,
	)
	if err != nil {
		return model.SnapshotRecord{}, err
	}

	if excludes != "" {
		snap.Excludes = strings.Split(excludes, ",")
	}
	snap.CreatedAt = time.Unix(createdAt, 0).UTC()

	return snap, nil
}
