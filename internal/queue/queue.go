// Package queue implements named FIFO work queues on Redis: bounded
// payloads, per-queue concurrency caps, retry with exponential backoff, a
// visibility timeout for crashed consumers, and dead-lettering after
// capped attempts. Queue state lives entirely in Redis, so tasks survive
// process restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/metrics"
)

// Well-known queue names and their concurrency caps.
const (
	RuleEngine    = "rule_engine"
	Analytics     = "analytics"
	Reporting     = "reporting"
	Notifications = "notifications"
)

// DefaultConcurrency maps each queue to its maximum in-flight tasks.
var DefaultConcurrency = map[string]int{
	RuleEngine:    4,
	Analytics:     2,
	Reporting:     2,
	Notifications: 4,
}

// MaxPayloadSize bounds submitted payloads.
const MaxPayloadSize = 64 * 1024

var (
	// ErrPayloadTooLarge rejects oversized submissions.
	ErrPayloadTooLarge = errors.New("payload exceeds size bound")
	// ErrQueueFull is returned by SubmitWait when the bounded wait for
	// queue capacity elapses.
	ErrQueueFull = errors.New("queue full")
)

// Retry schedule.
const (
	retryBase   = time.Second
	retryFactor = 2
	retryCap    = 5 * time.Minute
)

// Task is one unit of queued work.
type Task struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one task. A nil return acks the task; an error nacks
// it, scheduling a backoff retry or dead-lettering it once attempts are
// exhausted.
type Handler func(ctx context.Context, task *Task) error

type Options struct {
	MaxRetries        int
	VisibilityTimeout time.Duration
	// PendingLimit bounds queue depth for back-pressure; 0 = unbounded.
	PendingLimit int64
}

type Broker struct {
	rdb  *redis.Client
	log  zerolog.Logger
	opts Options

	mu        sync.Mutex
	consumers []context.CancelFunc
	wg        sync.WaitGroup
}

func NewBroker(rdb *redis.Client, opts Options, log zerolog.Logger) *Broker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	return &Broker{
		rdb:  rdb,
		log:  log.With().Str("component", "queue").Logger(),
		opts: opts,
	}
}

func pendingKey(q string) string  { return "q:" + q + ":pending" }
func delayedKey(q string) string  { return "q:" + q + ":delayed" }
func inflightKey(q string) string { return "q:" + q + ":inflight" }
func deadKey(q string) string     { return "q:" + q + ":dead" }
func taskKey(q, id string) string { return "q:" + q + ":task:" + id }

// Submit enqueues a payload and returns the task ID as the ticket.
func (b *Broker) Submit(ctx context.Context, queueName string, payload []byte) (string, error) {
	if len(payload) > MaxPayloadSize {
		return "", ErrPayloadTooLarge
	}

	task := Task{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(task)
	if err != nil {
		return "", err
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(queueName, task.ID), body, 0)
	pipe.LPush(ctx, pendingKey(queueName), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("submit to %s: %w", queueName, err)
	}
	return task.ID, nil
}

// SubmitWait enqueues a payload, blocking up to wait while the queue is at
// its pending limit. Returns ErrQueueFull if capacity never frees.
func (b *Broker) SubmitWait(ctx context.Context, queueName string, payload []byte, wait time.Duration) (string, error) {
	if b.opts.PendingLimit <= 0 {
		return b.Submit(ctx, queueName, payload)
	}

	deadline := time.Now().Add(wait)
	for {
		depth, err := b.rdb.LLen(ctx, pendingKey(queueName)).Result()
		if err != nil {
			return "", err
		}
		if depth < b.opts.PendingLimit {
			return b.Submit(ctx, queueName, payload)
		}
		if time.Now().After(deadline) {
			return "", ErrQueueFull
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Consume starts maxInFlight workers for the named queue, each delivering
// tasks to handler. It returns immediately; workers run until Stop or ctx
// cancellation. A reaper goroutine promotes due retries and re-queues
// tasks whose visibility timeout expired.
func (b *Broker) Consume(ctx context.Context, queueName string, maxInFlight int, handler Handler) {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.consumers = append(b.consumers, cancel)
	b.mu.Unlock()

	for i := 0; i < maxInFlight; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consumeLoop(ctx, queueName, handler)
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.reaperLoop(ctx, queueName)
	}()

	b.log.Info().Str("queue", queueName).Int("max_in_flight", maxInFlight).Msg("queue consumer started")
}

// Stop cancels all consumers and waits for in-flight handlers to return.
func (b *Broker) Stop() {
	b.mu.Lock()
	for _, cancel := range b.consumers {
		cancel()
	}
	b.consumers = nil
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broker) consumeLoop(ctx context.Context, queueName string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		id, err := b.rdb.BRPop(ctx, time.Second, pendingKey(queueName)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn().Err(err).Str("queue", queueName).Msg("queue pop failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		taskID := id[1]

		task, err := b.takeTask(ctx, queueName, taskID)
		if err != nil {
			b.log.Warn().Err(err).Str("queue", queueName).Str("task_id", taskID).Msg("task body missing, skipping")
			continue
		}

		if err := handler(ctx, task); err != nil {
			b.Nack(context.WithoutCancel(ctx), task, true)
			b.log.Warn().Err(err).
				Str("queue", queueName).
				Str("task_id", task.ID).
				Int("attempt", task.Attempt).
				Msg("task handler failed")
		} else {
			b.Ack(context.WithoutCancel(ctx), task)
		}
	}
}

// takeTask loads a popped task, bumps its attempt counter, and registers it
// in the in-flight set with a visibility deadline.
func (b *Broker) takeTask(ctx context.Context, queueName, taskID string) (*Task, error) {
	body, err := b.rdb.Get(ctx, taskKey(queueName, taskID)).Result()
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return nil, err
	}
	task.Attempt++

	updated, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	deadline := float64(time.Now().Add(b.opts.VisibilityTimeout).UnixMilli())

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(queueName, taskID), updated, 0)
	pipe.ZAdd(ctx, inflightKey(queueName), redis.Z{Score: deadline, Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &task, nil
}

// Ack removes a completed task.
func (b *Broker) Ack(ctx context.Context, task *Task) {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, inflightKey(task.Queue), task.ID)
	pipe.Del(ctx, taskKey(task.Queue, task.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn().Err(err).Str("task_id", task.ID).Msg("ack failed")
	}
}

// Nack reschedules a failed task with exponential backoff, or dead-letters
// it after the retry cap. requeue=false dead-letters immediately.
func (b *Broker) Nack(ctx context.Context, task *Task, requeue bool) {
	if !requeue || task.Attempt >= b.opts.MaxRetries {
		b.deadLetter(ctx, task)
		return
	}

	delay := backoffDelay(task.Attempt)
	due := float64(time.Now().Add(delay).UnixMilli())

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, inflightKey(task.Queue), task.ID)
	pipe.ZAdd(ctx, delayedKey(task.Queue), redis.Z{Score: due, Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn().Err(err).Str("task_id", task.ID).Msg("nack failed")
	}
}

func (b *Broker) deadLetter(ctx context.Context, task *Task) {
	body, _ := json.Marshal(task)
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, inflightKey(task.Queue), task.ID)
	pipe.Del(ctx, taskKey(task.Queue, task.ID))
	pipe.LPush(ctx, deadKey(task.Queue), body)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Error().Err(err).Str("task_id", task.ID).Msg("dead-letter failed")
		return
	}
	metrics.QueueDeadLettered.WithLabelValues(task.Queue).Inc()
	b.log.Warn().
		Str("queue", task.Queue).
		Str("task_id", task.ID).
		Int("attempts", task.Attempt).
		Msg("task dead-lettered")
}

func backoffDelay(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= retryFactor
		if d >= retryCap {
			d = retryCap
			break
		}
	}
	// Jitter ±25% spreads synchronized retries.
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// reaperLoop promotes due delayed tasks and restores in-flight tasks whose
// visibility timeout expired (the consumer crashed without acking).
func (b *Broker) reaperLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.promoteDue(ctx, queueName, delayedKey(queueName))
			b.promoteDue(ctx, queueName, inflightKey(queueName))
			if depth, err := b.rdb.LLen(ctx, pendingKey(queueName)).Result(); err == nil {
				metrics.QueueDepth.WithLabelValues(queueName).Set(float64(depth))
			}
		}
	}
}

func (b *Broker) promoteDue(ctx context.Context, queueName, fromKey string) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := b.rdb.ZRangeByScore(ctx, fromKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		// Only the remover of the ZSET entry may re-queue, so concurrent
		// reapers cannot duplicate a task.
		removed, err := b.rdb.ZRem(ctx, fromKey, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := b.rdb.LPush(ctx, pendingKey(queueName), id).Err(); err != nil {
			b.log.Error().Err(err).Str("task_id", id).Msg("requeue failed")
		}
	}
}

// Depth returns the pending length of a queue.
func (b *Broker) Depth(ctx context.Context, queueName string) (int64, error) {
	return b.rdb.LLen(ctx, pendingKey(queueName)).Result()
}

// DeadLetterDepth returns the dead-letter length of a queue.
func (b *Broker) DeadLetterDepth(ctx context.Context, queueName string) (int64, error) {
	return b.rdb.LLen(ctx, deadKey(queueName)).Result()
}
