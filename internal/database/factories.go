package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type Factory struct {
	FactoryID int       `json:"factory_id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// GetFactoryBySlug looks up an active factory by its URL slug.
func (db *DB) GetFactoryBySlug(ctx context.Context, slug string) (*Factory, error) {
	var f Factory
	err := db.Pool.QueryRow(ctx, `
		SELECT factory_id, slug, name, timezone, created_at
		FROM factories
		WHERE slug = $1 AND deleted_at IS NULL`, slug,
	).Scan(&f.FactoryID, &f.Slug, &f.Name, &f.Timezone, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFactory looks up an active factory by ID.
func (db *DB) GetFactory(ctx context.Context, factoryID int) (*Factory, error) {
	var f Factory
	err := db.Pool.QueryRow(ctx, `
		SELECT factory_id, slug, name, timezone, created_at
		FROM factories
		WHERE factory_id = $1 AND deleted_at IS NULL`, factoryID,
	).Scan(&f.FactoryID, &f.Slug, &f.Name, &f.Timezone, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFactoryTimezone returns the IANA timezone name for a factory.
func (db *DB) GetFactoryTimezone(ctx context.Context, factoryID int) (string, error) {
	var tz string
	err := db.Pool.QueryRow(ctx,
		`SELECT timezone FROM factories WHERE factory_id = $1 AND deleted_at IS NULL`, factoryID,
	).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return tz, err
}
