// Package alerting consumes rule-evaluation tasks, runs the candidate
// rules against each telemetry reading, enforces per-(rule, device)
// cooldowns, materializes alerts, and hands notification work to the
// external notifier through the notifications queue.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/metrics"
	"github.com/factoryops/factory-engine/internal/queue"
	"github.com/factoryops/factory-engine/internal/rules"
)

// Store is the persistence surface the worker needs.
type Store interface {
	RuleSource
	ClaimCooldown(ctx context.Context, ruleID, deviceID int, now time.Time, cooldown time.Duration) (bool, error)
	GetCooldown(ctx context.Context, ruleID, deviceID int) (*time.Time, error)
	InsertAlert(ctx context.Context, a *database.Alert) (int, error)
	GetFactoryTimezone(ctx context.Context, factoryID int) (string, error)
}

type Worker struct {
	store  Store
	queues *queue.Broker
	cache  *ruleCache
	log    zerolog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

func NewWorker(store Store, queues *queue.Broker, log zerolog.Logger) *Worker {
	return &Worker{
		store:  store,
		queues: queues,
		cache:  newRuleCache(store),
		log:    log.With().Str("component", "alerting").Logger(),
		now:    time.Now,
	}
}

// Start registers the worker as the rule_engine consumer.
func (w *Worker) Start(ctx context.Context) {
	w.queues.Consume(ctx, queue.RuleEngine, queue.DefaultConcurrency[queue.RuleEngine], w.HandleTask)
}

// HandleInvalidation reacts to "rules:{factory_id}" messages from the
// shared cache channel, dropping the affected cached rule sets.
func (w *Worker) HandleInvalidation(message string) {
	parts := strings.SplitN(message, ":", 2)
	if parts[0] != "rules" || len(parts) != 2 {
		return
	}
	factoryID, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}
	w.cache.invalidateFactory(factoryID)
}

// HandleTask processes one rule_engine task. Delivery is at-least-once:
// a crash between alert insert and queue ack re-runs the task, and the
// cooldown claim suppresses the duplicate.
func (w *Worker) HandleTask(ctx context.Context, task *queue.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		// Malformed payloads never become valid; drop without retry.
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("undecodable rule task, dropping")
		return nil
	}

	candidates, decodeErrs, err := w.cache.get(ctx, payload.FactoryID, payload.DeviceID)
	if err != nil {
		return fmt.Errorf("load candidate rules: %w", err)
	}
	for _, derr := range decodeErrs {
		w.log.Warn().Err(derr).Int("factory_id", payload.FactoryID).Msg("skipping malformed rule")
	}
	if len(candidates) == 0 {
		return nil
	}

	loc, err := w.factoryLocation(ctx, payload.FactoryID)
	if err != nil {
		return err
	}

	now := w.now().UTC()
	for _, rule := range candidates {
		if err := w.evaluateRule(ctx, rule, &payload, now, loc); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) factoryLocation(ctx context.Context, factoryID int) (*time.Location, error) {
	tz, err := w.store.GetFactoryTimezone(ctx, factoryID)
	if err != nil {
		return nil, fmt.Errorf("factory %d timezone: %w", factoryID, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		w.log.Warn().Str("timezone", tz).Int("factory_id", factoryID).Msg("bad factory timezone, using UTC")
		return time.UTC, nil
	}
	return loc, nil
}

// evaluateRule runs one candidate and, on firing, performs the two-step
// persistence with the cooldown row as the commit marker: the claim is
// written first, and only a won claim proceeds to the alert insert. A
// crash after the claim loses at most the alert inside one cooldown
// window; an alert is never visible without its cooldown.
func (w *Worker) evaluateRule(ctx context.Context, rule *rules.Rule, payload *TaskPayload, now time.Time, loc *time.Location) error {
	if !rule.Evaluate(payload.Metrics, now, loc) {
		return nil
	}

	// Cheap pre-check before contending on the claim write.
	if last, err := w.store.GetCooldown(ctx, rule.RuleID, payload.DeviceID); err != nil {
		return fmt.Errorf("read cooldown rule=%d device=%d: %w", rule.RuleID, payload.DeviceID, err)
	} else if last != nil && now.Sub(*last) < rule.Cooldown() {
		metrics.AlertsSuppressed.Inc()
		return nil
	}

	won, err := w.store.ClaimCooldown(ctx, rule.RuleID, payload.DeviceID, now, rule.Cooldown())
	if err != nil {
		return fmt.Errorf("claim cooldown rule=%d device=%d: %w", rule.RuleID, payload.DeviceID, err)
	}
	if !won {
		metrics.AlertsSuppressed.Inc()
		return nil
	}

	snapshot, err := json.Marshal(payload.Metrics)
	if err != nil {
		return err
	}
	alert := &database.Alert{
		FactoryID:         rule.FactoryID,
		RuleID:            rule.RuleID,
		DeviceID:          payload.DeviceID,
		TriggeredAt:       now,
		Severity:          rule.Severity,
		Message:           rule.AlertMessage(payload.Metrics),
		TelemetrySnapshot: snapshot,
	}
	alertID, err := w.store.InsertAlert(ctx, alert)
	if err != nil {
		return fmt.Errorf("insert alert rule=%d device=%d: %w", rule.RuleID, payload.DeviceID, err)
	}

	metrics.AlertsFired.WithLabelValues(rule.Severity).Inc()
	w.log.Info().
		Int("alert_id", alertID).
		Int("rule_id", rule.RuleID).
		Int("device_id", payload.DeviceID).
		Str("severity", rule.Severity).
		Msg("alert fired")

	if len(rule.Channels) > 0 {
		w.enqueueNotification(ctx, alertID, rule.FactoryID, rule.Channels)
	}
	return nil
}

func (w *Worker) enqueueNotification(ctx context.Context, alertID, factoryID int, channels []string) {
	body, err := json.Marshal(NotificationPayload{
		AlertID:   alertID,
		FactoryID: factoryID,
		Channels:  channels,
	})
	if err != nil {
		return
	}
	if _, err := w.queues.Submit(ctx, queue.Notifications, body); err != nil {
		// The alert row exists either way; the notifier catches up from it.
		w.log.Error().Err(err).Int("alert_id", alertID).Msg("notification enqueue failed")
	}
}
