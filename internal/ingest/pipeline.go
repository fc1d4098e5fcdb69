// Package ingest implements the telemetry hot path: topic routing, payload
// validation, identity resolution, parameter discovery, time-series
// buffering, last-seen tracking, and rule-evaluation dispatch.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/alerting"
	"github.com/factoryops/factory-engine/internal/identity"
	"github.com/factoryops/factory-engine/internal/metrics"
	"github.com/factoryops/factory-engine/internal/queue"
	"github.com/factoryops/factory-engine/internal/timeseries"
)

// inboundMsg is one broker delivery moving through a worker.
type inboundMsg struct {
	topic   string
	payload []byte
}

type PipelineOptions struct {
	Identity   *identity.Resolver
	Discovery  *Discovery
	TimeSeries *timeseries.Writer
	Queues     *queue.Broker
	LastSeen   *LastSeenTracker

	Workers          int           // 0 = GOMAXPROCS * 2
	QueueDepth       int           // per-worker channel depth
	RetryMax         int           // attempts for transient store failures
	RuleDispatchWait time.Duration // bounded wait at the rule_engine submit boundary
	DeadLetterFile   string

	Log zerolog.Logger
}

// Pipeline is the ingestion coordinator. Broker deliveries are partitioned
// by hash(slug, device_key) onto a fixed worker pool so all work for one
// device is serialized: samples land in broker-send order, parameter
// discovery precedes the sample write, and last_seen never regresses.
type Pipeline struct {
	identity   *identity.Resolver
	discovery  *Discovery
	timeseries *timeseries.Writer
	queues     *queue.Broker
	lastSeen   *LastSeenTracker
	log        zerolog.Logger
	opts       PipelineOptions

	workers []chan inboundMsg
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	deadMu sync.Mutex

	// intakeMu serializes message intake against Stop closing the worker
	// channels.
	intakeMu  sync.RWMutex
	accepting bool

	msgCount atomic.Int64
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0) * 2
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5
	}
	if opts.RuleDispatchWait <= 0 {
		opts.RuleDispatchWait = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		identity:   opts.Identity,
		discovery:  opts.Discovery,
		timeseries: opts.TimeSeries,
		queues:     opts.Queues,
		lastSeen:   opts.LastSeen,
		log:        opts.Log.With().Str("component", "ingest").Logger(),
		opts:       opts,
		workers:    make([]chan inboundMsg, opts.Workers),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range p.workers {
		p.workers[i] = make(chan inboundMsg, opts.QueueDepth)
	}
	return p
}

// Start launches the worker pool and the stats loop.
func (p *Pipeline) Start() {
	for i := range p.workers {
		ch := p.workers[i]
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for msg := range ch {
				p.process(msg)
			}
		}()
	}
	p.intakeMu.Lock()
	p.accepting = true
	p.intakeMu.Unlock()
	go p.statsLoop()
	p.log.Info().Int("workers", len(p.workers)).Msg("ingest pipeline started")
}

// Stop drains in-flight work within the grace period: intake closes first,
// then the worker channels empty. It does not flush the time-series writer;
// that is the writer's own Stop.
func (p *Pipeline) Stop(grace time.Duration) {
	p.intakeMu.Lock()
	p.accepting = false
	for _, ch := range p.workers {
		close(ch)
	}
	p.intakeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(grace):
		p.log.Warn().Dur("grace", grace).Msg("drain grace elapsed, abandoning in-flight work")
	}

	p.cancel()
	p.log.Info().Int64("total_messages", p.msgCount.Load()).Msg("ingest pipeline stopped")
}

// HandleMessage is the entry point called by the MQTT client for each
// delivery. Partitioning keys on (slug, device_key) so per-device work is
// ordered; the blocking channel send is the broker back-pressure point.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	p.msgCount.Add(1)
	metrics.MessagesTotal.Inc()

	route, err := ParseTopic(topic)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("invalid_topic").Inc()
		p.log.Info().Str("topic", topic).Msg("invalid topic, dropping")
		return
	}

	idx := partition(route.FactorySlug, route.DeviceKey, len(p.workers))
	msg := inboundMsg{topic: topic, payload: append([]byte(nil), payload...)}

	p.intakeMu.RLock()
	defer p.intakeMu.RUnlock()
	if !p.accepting {
		return
	}
	select {
	case p.workers[idx] <- msg:
	case <-p.ctx.Done():
	}
}

// partition hashes (slug, device_key) onto a worker index.
func partition(slug, deviceKey string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(slug))
	h.Write([]byte{0})
	h.Write([]byte(deviceKey))
	return int(h.Sum32() % uint32(n))
}

// process runs one delivery through the full coordinator sequence,
// retrying transient store failures inline (which keeps per-device order)
// and dead-lettering the message once attempts are exhausted.
func (p *Pipeline) process(msg inboundMsg) {
	route, err := ParseTopic(msg.topic)
	if err != nil {
		// Already counted in HandleMessage; unreachable via normal flow.
		return
	}

	for attempt := 1; ; attempt++ {
		err := p.handle(route, msg.payload)
		if err == nil {
			return
		}
		if isPermanent(err) {
			// Schema or constraint violations never succeed on replay.
			p.deadLetter(msg, err, attempt)
			return
		}
		if !isTransient(err) {
			return
		}
		if attempt >= p.opts.RetryMax {
			p.deadLetter(msg, err, attempt)
			return
		}
		p.log.Warn().Err(err).
			Str("topic", msg.topic).
			Int("attempt", attempt).
			Msg("transient failure, retrying message")
		select {
		case <-p.ctx.Done():
			p.deadLetter(msg, err, attempt)
			return
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
}

// handle executes the coordinator steps for one delivery. A nil return
// means the message is settled: fully processed or deliberately dropped.
func (p *Pipeline) handle(route *Route, payload []byte) error {
	ctx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
	defer cancel()

	now := time.Now().UTC()

	tel, err := ParsePayload(payload, now)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("invalid_payload").Inc()
		p.log.Info().Err(err).
			Str("slug", route.FactorySlug).
			Str("device_key", route.DeviceKey).
			Msg("invalid payload, dropping")
		return nil
	}

	factoryID, err := p.identity.ResolveFactory(ctx, route.FactorySlug)
	if errors.Is(err, identity.ErrUnknownFactory) {
		metrics.MessagesDropped.WithLabelValues("unknown_factory").Inc()
		p.log.Warn().Str("slug", route.FactorySlug).Msg("unknown factory, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve factory %q: %w", route.FactorySlug, err)
	}

	deviceID, created, err := p.identity.ResolveDevice(ctx, factoryID, route.DeviceKey)
	if errors.Is(err, identity.ErrUnknownDevice) {
		metrics.MessagesDropped.WithLabelValues("unknown_device").Inc()
		p.log.Warn().
			Int("factory_id", factoryID).
			Str("device_key", route.DeviceKey).
			Msg("unknown device and auto-create disabled, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve device %q: %w", route.DeviceKey, err)
	}
	if created {
		metrics.DevicesAutoCreated.Inc()
		p.log.Info().
			Int("factory_id", factoryID).
			Int("device_id", deviceID).
			Str("device_key", route.DeviceKey).
			Msg("device auto-created on first telemetry")
	}

	if err := p.discovery.EnsureParameters(ctx, factoryID, deviceID, tel.Metrics, now); err != nil {
		return err
	}

	floats := FloatMetrics(tel.Metrics)
	p.timeseries.Add(timeseries.Point{
		FactoryID: factoryID,
		DeviceID:  deviceID,
		Fields:    floats,
		Timestamp: tel.Timestamp,
	})

	p.lastSeen.Observe(factoryID, deviceID, tel.Timestamp, floats)

	p.dispatchRuleEval(ctx, factoryID, deviceID, floats, tel.Timestamp)
	return nil
}

// dispatchRuleEval submits the evaluation task with a bounded wait. Under
// sustained alert-path pressure the task is shed: the sample is already in
// the time-series store, so data always lands even when alerting lags.
func (p *Pipeline) dispatchRuleEval(ctx context.Context, factoryID, deviceID int, floats map[string]float64, ts time.Time) {
	task := alerting.TaskPayload{
		FactoryID: factoryID,
		DeviceID:  deviceID,
		Metrics:   floats,
		Timestamp: ts,
	}
	body, err := json.Marshal(task)
	if err != nil {
		p.log.Error().Err(err).Msg("encode rule task")
		return
	}

	if _, err := p.queues.SubmitWait(ctx, queue.RuleEngine, body, p.opts.RuleDispatchWait); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			metrics.RuleDispatchDropped.Inc()
			p.log.Warn().
				Int("factory_id", factoryID).
				Int("device_id", deviceID).
				Msg("rule_engine queue saturated, dropping dispatch")
			return
		}
		p.log.Error().Err(err).Msg("rule task submit failed")
	}
}

// isTransient reports whether an error warrants a message-level retry.
// Deliberate drops return nil from handle, so anything else that is not a
// context cancellation is a store or queue fault worth retrying.
func isTransient(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// isPermanent detects relational errors that no amount of redelivery can
// fix: integrity violations (class 23) and syntax/reference faults
// (class 42).
func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42")
}

// deadLetterEntry is the JSON-lines record for messages that exhausted
// their retries.
type deadLetterEntry struct {
	Time     time.Time `json:"time"`
	Topic    string    `json:"topic"`
	Payload  string    `json:"payload"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
}

func (p *Pipeline) deadLetter(msg inboundMsg, cause error, attempts int) {
	metrics.DeadLettered.Inc()
	p.log.Error().Err(cause).
		Str("topic", msg.topic).
		Int("attempts", attempts).
		Msg("message dead-lettered")

	if p.opts.DeadLetterFile == "" {
		return
	}

	entry, err := json.Marshal(deadLetterEntry{
		Time:     time.Now().UTC(),
		Topic:    msg.topic,
		Payload:  string(msg.payload),
		Error:    cause.Error(),
		Attempts: attempts,
	})
	if err != nil {
		return
	}

	p.deadMu.Lock()
	defer p.deadMu.Unlock()
	f, err := os.OpenFile(p.opts.DeadLetterFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.log.Error().Err(err).Str("file", p.opts.DeadLetterFile).Msg("dead-letter file open failed")
		return
	}
	defer f.Close()
	f.Write(append(entry, '\n'))
}

// MsgCount returns the total number of broker messages received.
func (p *Pipeline) MsgCount() int64 {
	return p.msgCount.Load()
}

// CacheStats reports the identity cache footprint for the metrics
// collector.
func (p *Pipeline) CacheStats() (factories, devices, params int) {
	return p.identity.CacheStats()
}

// statsLoop logs message throughput every 60 seconds.
func (p *Pipeline) statsLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastTotal int64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			total := p.msgCount.Load()
			delta := total - lastTotal
			lastTotal = total

			factories, devices, params := p.identity.CacheStats()
			p.log.Info().
				Int64("total", total).
				Int64("last_60s", delta).
				Int("cached_factories", factories).
				Int("cached_devices", devices).
				Int("cached_param_sets", params).
				Msg("stats")
		}
	}
}
