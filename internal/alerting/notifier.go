package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/queue"
)

// Notifier is the boundary to the external notification transport
// (email, WhatsApp). Delivery semantics beyond at-least-once belong to the
// implementation behind this interface.
type Notifier interface {
	Send(ctx context.Context, alert *database.Alert, channels []string) error
}

// LogNotifier is the default transport when none is wired: it records the
// hand-off and succeeds. Useful in development and as the drop-in until
// the notification service registers itself.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Send(_ context.Context, alert *database.Alert, channels []string) error {
	n.Log.Info().
		Int("alert_id", alert.AlertID).
		Str("severity", alert.Severity).
		Strs("channels", channels).
		Msg("notification dispatched")
	return nil
}

// NotificationStore is the persistence surface of the notification consumer.
type NotificationStore interface {
	GetAlert(ctx context.Context, factoryID, alertID int) (*database.Alert, error)
	MarkNotificationSent(ctx context.Context, factoryID, alertID int) error
}

// NotificationConsumer drains the notifications queue and forwards each
// alert to the configured Notifier.
type NotificationConsumer struct {
	store    NotificationStore
	notifier Notifier
	queues   *queue.Broker
	log      zerolog.Logger
}

func NewNotificationConsumer(store NotificationStore, notifier Notifier, queues *queue.Broker, log zerolog.Logger) *NotificationConsumer {
	return &NotificationConsumer{
		store:    store,
		notifier: notifier,
		queues:   queues,
		log:      log.With().Str("component", "notifications").Logger(),
	}
}

func (c *NotificationConsumer) Start(ctx context.Context) {
	c.queues.Consume(ctx, queue.Notifications, queue.DefaultConcurrency[queue.Notifications], c.HandleTask)
}

func (c *NotificationConsumer) HandleTask(ctx context.Context, task *queue.Task) error {
	var payload NotificationPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		c.log.Error().Err(err).Str("task_id", task.ID).Msg("undecodable notification task, dropping")
		return nil
	}

	alert, err := c.store.GetAlert(ctx, payload.FactoryID, payload.AlertID)
	if err != nil {
		return fmt.Errorf("load alert %d: %w", payload.AlertID, err)
	}

	if err := c.notifier.Send(ctx, alert, payload.Channels); err != nil {
		return fmt.Errorf("send notification for alert %d: %w", payload.AlertID, err)
	}

	if err := c.store.MarkNotificationSent(ctx, payload.FactoryID, payload.AlertID); err != nil {
		// The notification went out; failing the task would resend it.
		c.log.Warn().Err(err).Int("alert_id", payload.AlertID).Msg("mark notification_sent failed")
	}
	return nil
}
