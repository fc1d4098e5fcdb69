package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/factoryops/factory-engine/internal/rules"
)

// ruleRow is the raw relational shape of a rule before condition/schedule decoding.
type ruleRow struct {
	RuleID          int
	FactoryID       int
	Name            string
	Description     string
	Scope           string
	Conditions      []byte
	CooldownMinutes int
	IsActive        bool
	ScheduleType    string
	ScheduleConfig  []byte
	Severity        string
	Channels        []string
}

func (row *ruleRow) decode() (*rules.Rule, error) {
	cond, err := rules.Parse(row.Conditions)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", row.RuleID, err)
	}
	sched, err := rules.ParseScheduleConfig(row.ScheduleType, row.ScheduleConfig)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", row.RuleID, err)
	}
	return &rules.Rule{
		RuleID:          row.RuleID,
		FactoryID:       row.FactoryID,
		Name:            row.Name,
		Description:     row.Description,
		Scope:           row.Scope,
		Conditions:      cond,
		CooldownMinutes: row.CooldownMinutes,
		IsActive:        row.IsActive,
		ScheduleType:    row.ScheduleType,
		Schedule:        sched,
		Severity:        row.Severity,
		Channels:        row.Channels,
	}, nil
}

const ruleColumns = `r.rule_id, r.factory_id, r.name, r.description, r.scope, r.conditions,
	r.cooldown_minutes, r.is_active, r.schedule_type, r.schedule_config, r.severity, r.notification_channels`

func scanRuleRow(row pgx.Row) (*ruleRow, error) {
	var r ruleRow
	err := row.Scan(&r.RuleID, &r.FactoryID, &r.Name, &r.Description, &r.Scope, &r.Conditions,
		&r.CooldownMinutes, &r.IsActive, &r.ScheduleType, &r.ScheduleConfig, &r.Severity, &r.Channels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListCandidateRules loads the active rules applicable to one device:
// every global rule of the factory plus device-scoped rules bound to it.
// Rules whose stored JSON fails to decode are skipped and reported in the
// second return value so the caller can log and continue.
func (db *DB) ListCandidateRules(ctx context.Context, factoryID, deviceID int) ([]*rules.Rule, []error, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM rules r
		WHERE r.factory_id = $1 AND r.is_active
		  AND (r.scope = 'global'
		       OR EXISTS (SELECT 1 FROM rule_devices rd
		                  WHERE rd.rule_id = r.rule_id AND rd.device_id = $2))
		ORDER BY r.rule_id`,
		factoryID, deviceID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []*rules.Rule
	var decodeErrs []error
	for rows.Next() {
		raw, err := scanRuleRow(rows)
		if err != nil {
			return nil, nil, err
		}
		r, err := raw.decode()
		if err != nil {
			decodeErrs = append(decodeErrs, err)
			continue
		}
		out = append(out, r)
	}
	return out, decodeErrs, rows.Err()
}

// GetRule fetches one rule (with its device bindings) within the factory scope.
func (db *DB) GetRule(ctx context.Context, factoryID, ruleID int) (*rules.Rule, error) {
	raw, err := scanRuleRow(db.Pool.QueryRow(ctx, `
		SELECT `+ruleColumns+` FROM rules r
		WHERE r.factory_id = $1 AND r.rule_id = $2`,
		factoryID, ruleID))
	if err != nil {
		return nil, err
	}
	r, err := raw.decode()
	if err != nil {
		return nil, err
	}
	r.DeviceIDs, err = db.listRuleDevices(ctx, ruleID)
	return r, err
}

// ListRules returns all rules of a factory with device bindings.
func (db *DB) ListRules(ctx context.Context, factoryID int) ([]*rules.Rule, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+ruleColumns+` FROM rules r
		WHERE r.factory_id = $1
		ORDER BY r.rule_id`, factoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rules.Rule
	for rows.Next() {
		raw, err := scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		r, err := raw.decode()
		if err != nil {
			// Broken stored rules are logged and left out of the listing.
			db.log.Warn().Err(err).Msg("skipping undecodable rule")
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if r.DeviceIDs, err = db.listRuleDevices(ctx, r.RuleID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) listRuleDevices(ctx context.Context, ruleID int) ([]int, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT device_id FROM rule_devices WHERE rule_id = $1 ORDER BY device_id`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateRule inserts a rule and its device bindings in one transaction.
// Device-scoped rules must reference devices owned by the same factory;
// a foreign binding aborts the transaction.
func (db *DB) CreateRule(ctx context.Context, r *rules.Rule) (int, error) {
	condJSON, schedJSON, err := encodeRule(r)
	if err != nil {
		return 0, err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ruleID int
	err = tx.QueryRow(ctx, `
		INSERT INTO rules (factory_id, name, description, scope, conditions, cooldown_minutes,
			is_active, schedule_type, schedule_config, severity, notification_channels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING rule_id`,
		r.FactoryID, r.Name, r.Description, r.Scope, condJSON, r.CooldownMinutes,
		r.IsActive, r.ScheduleType, schedJSON, r.Severity, r.Channels,
	).Scan(&ruleID)
	if err != nil {
		return 0, err
	}

	if err := bindRuleDevices(ctx, tx, ruleID, r.FactoryID, r.DeviceIDs); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return ruleID, nil
}

// UpdateRule replaces a rule's definition and device bindings.
func (db *DB) UpdateRule(ctx context.Context, r *rules.Rule) error {
	condJSON, schedJSON, err := encodeRule(r)
	if err != nil {
		return err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rules
		SET name = $3, description = $4, scope = $5, conditions = $6, cooldown_minutes = $7,
			is_active = $8, schedule_type = $9, schedule_config = $10, severity = $11,
			notification_channels = $12, updated_at = now()
		WHERE factory_id = $1 AND rule_id = $2`,
		r.FactoryID, r.RuleID, r.Name, r.Description, r.Scope, condJSON, r.CooldownMinutes,
		r.IsActive, r.ScheduleType, schedJSON, r.Severity, r.Channels)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rule_devices WHERE rule_id = $1`, r.RuleID); err != nil {
		return err
	}
	if err := bindRuleDevices(ctx, tx, r.RuleID, r.FactoryID, r.DeviceIDs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteRule removes a rule within the factory scope. Bindings and
// cooldowns cascade.
func (db *DB) DeleteRule(ctx context.Context, factoryID, ruleID int) error {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM rules WHERE factory_id = $1 AND rule_id = $2`, factoryID, ruleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeRule(r *rules.Rule) (condJSON, schedJSON []byte, err error) {
	condJSON, err = json.Marshal(r.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	if r.Schedule != nil && r.ScheduleType != rules.ScheduleAlways {
		schedJSON, err = json.Marshal(r.Schedule)
		if err != nil {
			return nil, nil, fmt.Errorf("encode schedule: %w", err)
		}
	}
	return condJSON, schedJSON, nil
}

func bindRuleDevices(ctx context.Context, tx pgx.Tx, ruleID, factoryID int, deviceIDs []int) error {
	for _, deviceID := range deviceIDs {
		tag, err := tx.Exec(ctx, `
			INSERT INTO rule_devices (rule_id, device_id)
			SELECT $1, device_id FROM devices WHERE device_id = $2 AND factory_id = $3`,
			ruleID, deviceID, factoryID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
		}
	}
	return nil
}
