package database

import (
	"context"
	"strings"
	"time"
)

type DeviceParameter struct {
	ParameterID   int       `json:"parameter_id"`
	FactoryID     int       `json:"factory_id"`
	DeviceID      int       `json:"device_id"`
	ParameterKey  string    `json:"parameter_key"`
	DisplayName   string    `json:"display_name"`
	Unit          *string   `json:"unit,omitempty"`
	DataType      string    `json:"data_type"`
	IsKPISelected bool      `json:"is_kpi_selected"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}

// UpsertParameter records a newly discovered metric channel. The insert is
// idempotent under concurrent discovery: the (device_id, parameter_key)
// unique constraint makes the losing writers a no-op.
func (db *DB) UpsertParameter(ctx context.Context, factoryID, deviceID int, key, dataType string, discoveredAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO device_parameters
			(factory_id, device_id, parameter_key, display_name, data_type, is_kpi_selected, discovered_at)
		VALUES ($1, $2, $3, $4, $5, true, $6)
		ON CONFLICT (device_id, parameter_key) DO NOTHING`,
		factoryID, deviceID, key, DisplayNameForKey(key), dataType, discoveredAt.UTC())
	return err
}

// ListParameterKeys returns the known metric keys for a device.
func (db *DB) ListParameterKeys(ctx context.Context, deviceID int) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT parameter_key FROM device_parameters WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListParameters returns all parameters for a device within the factory scope.
func (db *DB) ListParameters(ctx context.Context, factoryID, deviceID int) ([]DeviceParameter, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT parameter_id, factory_id, device_id, parameter_key, display_name, unit, data_type, is_kpi_selected, discovered_at
		FROM device_parameters
		WHERE factory_id = $1 AND device_id = $2
		ORDER BY parameter_key`,
		factoryID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []DeviceParameter
	for rows.Next() {
		var p DeviceParameter
		if err := rows.Scan(&p.ParameterID, &p.FactoryID, &p.DeviceID, &p.ParameterKey,
			&p.DisplayName, &p.Unit, &p.DataType, &p.IsKPISelected, &p.DiscoveredAt); err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

// ListKPIParameters returns the KPI-flagged parameters for every active
// device in the factory, for the live dashboard read.
func (db *DB) ListKPIParameters(ctx context.Context, factoryID int) ([]DeviceParameter, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT p.parameter_id, p.factory_id, p.device_id, p.parameter_key, p.display_name, p.unit, p.data_type, p.is_kpi_selected, p.discovered_at
		FROM device_parameters p
		JOIN devices d ON d.device_id = p.device_id AND d.is_active
		WHERE p.factory_id = $1 AND p.is_kpi_selected
		ORDER BY p.device_id, p.parameter_key`,
		factoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []DeviceParameter
	for rows.Next() {
		var p DeviceParameter
		if err := rows.Scan(&p.ParameterID, &p.FactoryID, &p.DeviceID, &p.ParameterKey,
			&p.DisplayName, &p.Unit, &p.DataType, &p.IsKPISelected, &p.DiscoveredAt); err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

// DisplayNameForKey derives a human-readable default from a metric key:
// "spindle_temp" → "Spindle Temp".
func DisplayNameForKey(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
