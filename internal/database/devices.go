package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type Device struct {
	DeviceID     int        `json:"device_id"`
	FactoryID    int        `json:"factory_id"`
	DeviceKey    string     `json:"device_key"`
	Name         *string    `json:"name,omitempty"`
	Manufacturer *string    `json:"manufacturer,omitempty"`
	Model        *string    `json:"model,omitempty"`
	Region       *string    `json:"region,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const deviceColumns = `device_id, factory_id, device_key, name, manufacturer, model, region, is_active, last_seen, created_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.DeviceID, &d.FactoryID, &d.DeviceKey, &d.Name, &d.Manufacturer,
		&d.Model, &d.Region, &d.IsActive, &d.LastSeen, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeviceID resolves (factory_id, device_key) to a device ID.
func (db *DB) GetDeviceID(ctx context.Context, factoryID int, deviceKey string) (int, error) {
	var id int
	err := db.Pool.QueryRow(ctx,
		`SELECT device_id FROM devices WHERE factory_id = $1 AND device_key = $2`,
		factoryID, deviceKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// CreateDevice inserts a device on first telemetry sighting. Concurrent
// creators race on the (factory_id, device_key) unique constraint; the
// loser gets no row back and re-reads the winner's ID.
func (db *DB) CreateDevice(ctx context.Context, factoryID int, deviceKey string) (int, error) {
	var id int
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO devices (factory_id, device_key, is_active)
		VALUES ($1, $2, true)
		ON CONFLICT (factory_id, device_key) DO NOTHING
		RETURNING device_id`,
		factoryID, deviceKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Another worker won the insert — read the existing row.
		return db.GetDeviceID(ctx, factoryID, deviceKey)
	}
	return id, err
}

// GetDevice fetches one device within the factory scope.
func (db *DB) GetDevice(ctx context.Context, factoryID, deviceID int) (*Device, error) {
	return scanDevice(db.Pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE factory_id = $1 AND device_id = $2`,
		factoryID, deviceID))
}

// ListDevices returns all devices owned by the factory.
func (db *DB) ListDevices(ctx context.Context, factoryID int) ([]Device, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE factory_id = $1 ORDER BY device_key`,
		factoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// UpdateDevice patches mutable device metadata. nil fields are left unchanged.
func (db *DB) UpdateDevice(ctx context.Context, factoryID, deviceID int, name *string, isActive *bool) (*Device, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE devices
		SET name = COALESCE($3, name), is_active = COALESCE($4, is_active)
		WHERE factory_id = $1 AND device_id = $2`,
		factoryID, deviceID, name, isActive)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return db.GetDevice(ctx, factoryID, deviceID)
}

// TouchLastSeen advances devices.last_seen, never moving it backwards.
func (db *DB) TouchLastSeen(ctx context.Context, factoryID, deviceID int, seen time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE devices
		SET last_seen = $3
		WHERE factory_id = $1 AND device_id = $2
		  AND (last_seen IS NULL OR last_seen < $3)`,
		factoryID, deviceID, seen.UTC())
	return err
}

// CountDevices returns total and offline device counts for a factory.
// A device is offline when it has never reported or its last_seen is
// older than the online threshold.
func (db *DB) CountDevices(ctx context.Context, factoryID int, onlineThreshold time.Duration, now time.Time) (total, offline int, err error) {
	cutoff := now.UTC().Add(-onlineThreshold)
	err = db.Pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE last_seen IS NULL OR last_seen < $2)
		FROM devices
		WHERE factory_id = $1 AND is_active`,
		factoryID, cutoff,
	).Scan(&total, &offline)
	return total, offline, err
}
