package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetCooldown returns the last firing time for (rule, device), or nil when
// the pair has never fired.
func (db *DB) GetCooldown(ctx context.Context, ruleID, deviceID int) (*time.Time, error) {
	var t time.Time
	err := db.Pool.QueryRow(ctx,
		`SELECT last_triggered FROM rule_cooldowns WHERE rule_id = $1 AND device_id = $2`,
		ruleID, deviceID,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimCooldown conditionally advances the cooldown row for (rule, device)
// and reports whether this caller won the claim. The row is only written
// when no firing is recorded inside the cooldown window ending at now, so
// concurrent workers evaluating the same trigger race here and exactly one
// proceeds to create the alert. The cooldown row is the commit marker:
// the alert insert happens only after a successful claim.
func (db *DB) ClaimCooldown(ctx context.Context, ruleID, deviceID int, now time.Time, cooldown time.Duration) (bool, error) {
	windowStart := now.UTC().Add(-cooldown)
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO rule_cooldowns (rule_id, device_id, last_triggered)
		VALUES ($1, $2, $3)
		ON CONFLICT (rule_id, device_id) DO UPDATE
		SET last_triggered = EXCLUDED.last_triggered
		WHERE rule_cooldowns.last_triggered <= $4`,
		ruleID, deviceID, now.UTC(), windowStart)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
