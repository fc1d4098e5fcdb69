package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type Alert struct {
	AlertID           int             `json:"alert_id"`
	FactoryID         int             `json:"factory_id"`
	RuleID            int             `json:"rule_id"`
	DeviceID          int             `json:"device_id"`
	TriggeredAt       time.Time       `json:"triggered_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	Severity          string          `json:"severity"`
	Message           string          `json:"message"`
	TelemetrySnapshot json.RawMessage `json:"telemetry_snapshot,omitempty"`
	NotificationSent  bool            `json:"notification_sent"`
}

// InsertAlert materializes a triggered incident. The telemetry snapshot is
// the metric map that satisfied the rule.
func (db *DB) InsertAlert(ctx context.Context, a *Alert) (int, error) {
	var id int
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO alerts (factory_id, rule_id, device_id, triggered_at, severity, message, telemetry_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING alert_id`,
		a.FactoryID, a.RuleID, a.DeviceID, a.TriggeredAt.UTC(), a.Severity, a.Message, a.TelemetrySnapshot,
	).Scan(&id)
	return id, err
}

// GetAlert fetches one alert within the factory scope.
func (db *DB) GetAlert(ctx context.Context, factoryID, alertID int) (*Alert, error) {
	var a Alert
	err := db.Pool.QueryRow(ctx, `
		SELECT alert_id, factory_id, rule_id, device_id, triggered_at, resolved_at,
		       severity, message, telemetry_snapshot, notification_sent
		FROM alerts
		WHERE factory_id = $1 AND alert_id = $2`,
		factoryID, alertID,
	).Scan(&a.AlertID, &a.FactoryID, &a.RuleID, &a.DeviceID, &a.TriggeredAt, &a.ResolvedAt,
		&a.Severity, &a.Message, &a.TelemetrySnapshot, &a.NotificationSent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAlerts returns alerts for a factory, newest first. activeOnly
// restricts to unresolved incidents.
func (db *DB) ListAlerts(ctx context.Context, factoryID int, activeOnly bool, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT alert_id, factory_id, rule_id, device_id, triggered_at, resolved_at,
		       severity, message, telemetry_snapshot, notification_sent
		FROM alerts
		WHERE factory_id = $1 AND (NOT $2 OR resolved_at IS NULL)
		ORDER BY triggered_at DESC
		LIMIT $3`,
		factoryID, activeOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.AlertID, &a.FactoryID, &a.RuleID, &a.DeviceID, &a.TriggeredAt,
			&a.ResolvedAt, &a.Severity, &a.Message, &a.TelemetrySnapshot, &a.NotificationSent); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op on the
// stored timestamp; resolving a foreign alert reports not found.
func (db *DB) ResolveAlert(ctx context.Context, factoryID, alertID int, now time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE alerts SET resolved_at = $3
		WHERE factory_id = $1 AND alert_id = $2 AND resolved_at IS NULL`,
		factoryID, alertID, now.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "already resolved" from "not ours / missing".
		if _, err := db.GetAlert(ctx, factoryID, alertID); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// MarkNotificationSent flags an alert after its notification task was handed
// to the external notifier.
func (db *DB) MarkNotificationSent(ctx context.Context, factoryID, alertID int) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE alerts SET notification_sent = true WHERE factory_id = $1 AND alert_id = $2`,
		factoryID, alertID)
	return err
}

// CountActiveAlerts returns the number of unresolved alerts per severity.
func (db *DB) CountActiveAlerts(ctx context.Context, factoryID int) (map[string]int, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT severity, count(*)
		FROM alerts
		WHERE factory_id = $1 AND resolved_at IS NULL
		GROUP BY severity`,
		factoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}
