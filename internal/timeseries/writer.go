// Package timeseries buffers validated telemetry samples and flushes them
// to the time-series store in batches. Delivery is at-least-once: failed
// batches retry with exponential backoff and fall back to an on-disk spool
// drained in the background. When the spool fills, the oldest unflushed
// samples are shed — fresh data keeps landing.
package timeseries

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/metrics"
)

// Point is one telemetry sample: tenant/device tags plus one numeric field
// per metric key.
type Point struct {
	FactoryID int                `json:"factory_id"`
	DeviceID  int                `json:"device_id"`
	Fields    map[string]float64 `json:"fields"`
	Timestamp time.Time          `json:"timestamp"`
}

// Sink is the storage backend a Writer flushes to.
type Sink interface {
	WritePoints(ctx context.Context, points []Point) error
}

// maxFutureSkew is how far ahead of ingest time a device clock may run
// before the sample's timestamp is clamped.
const maxFutureSkew = 5 * time.Minute

// Retry schedule for failed flushes.
const (
	retryBase   = 250 * time.Millisecond
	retryFactor = 2
	retryCap    = 30 * time.Second
)

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	FlushTimeout  time.Duration
}

type Writer struct {
	sink  Sink
	spool *Spool
	log   zerolog.Logger
	opts  Options

	mu    sync.Mutex
	buf   []Point
	timer *time.Timer

	flushCh chan []Point
	done    chan struct{}
	stopped bool
}

func NewWriter(sink Sink, spool *Spool, opts Options, log zerolog.Logger) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	w := &Writer{
		sink:    sink,
		spool:   spool,
		log:     log.With().Str("component", "timeseries").Logger(),
		opts:    opts,
		flushCh: make(chan []Point, 16),
		done:    make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// Add buffers one sample. Future timestamps beyond the allowed skew are
// clamped to now. Batches hand off to a single flusher goroutine, so
// samples leave in the order they arrived.
func (w *Writer) Add(p Point) {
	now := time.Now().UTC()
	if p.Timestamp.After(now.Add(maxFutureSkew)) {
		w.log.Warn().
			Int("device_id", p.DeviceID).
			Time("reported", p.Timestamp).
			Msg("future timestamp clamped to ingest time")
		metrics.TimestampsClamped.Inc()
		p.Timestamp = now
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.buf = append(w.buf, p)

	if len(w.buf) >= w.opts.BatchSize {
		w.rotateLocked()
		w.mu.Unlock()
		return
	}
	if len(w.buf) == 1 {
		w.timer = time.AfterFunc(w.opts.FlushInterval, func() {
			w.mu.Lock()
			if !w.stopped && len(w.buf) > 0 {
				w.rotateLocked()
			}
			w.mu.Unlock()
		})
	}
	w.mu.Unlock()
}

// rotateLocked moves the buffer onto the flush channel. If the flusher is
// saturated the batch goes straight to the spool rather than blocking the
// ingest path.
func (w *Writer) rotateLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.buf
	w.buf = nil

	select {
	case w.flushCh <- batch:
	default:
		w.log.Warn().Int("points", len(batch)).Msg("flusher saturated, spooling batch")
		w.spoolBatch(batch)
	}
}

func (w *Writer) flushLoop() {
	defer close(w.done)
	for batch := range w.flushCh {
		w.flushWithRetry(batch)
	}
}

func (w *Writer) flushWithRetry(batch []Point) {
	delay := retryBase
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.FlushTimeout)
		err := w.sink.WritePoints(ctx, batch)
		cancel()
		if err == nil {
			metrics.PointsWritten.Add(float64(len(batch)))
			return
		}

		metrics.FlushRetries.Inc()
		if attempt >= w.opts.MaxRetries {
			w.log.Error().Err(err).
				Int("points", len(batch)).
				Int("attempts", attempt).
				Msg("flush retries exhausted, spooling batch")
			w.spoolBatch(batch)
			return
		}

		w.log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("time-series flush failed, retrying")
		time.Sleep(jitter(delay))
		delay *= retryFactor
		if delay > retryCap {
			delay = retryCap
		}
	}
}

func (w *Writer) spoolBatch(batch []Point) {
	if w.spool == nil {
		metrics.PointsShed.Add(float64(len(batch)))
		return
	}
	if err := w.spool.Append(batch); err != nil {
		w.log.Error().Err(err).Int("points", len(batch)).Msg("spool append failed, shedding points")
		metrics.PointsShed.Add(float64(len(batch)))
	}
}

// jitter spreads a delay by ±25%.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
}

// Stop flushes the remaining buffer synchronously and shuts the flusher
// down. Called during graceful shutdown after intake has stopped.
func (w *Writer) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if len(w.buf) > 0 {
		batch := w.buf
		w.buf = nil
		w.mu.Unlock()
		w.flushCh <- batch
	} else {
		w.mu.Unlock()
	}
	close(w.flushCh)
	<-w.done
}

// InfluxSink writes points to InfluxDB.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

func (s *InfluxSink) WritePoints(ctx context.Context, points []Point) error {
	pts := make([]*write.Point, len(points))
	for i, p := range points {
		fields := make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = v
		}
		pts[i] = influxdb2.NewPoint("telemetry",
			map[string]string{
				"factory_id": strconv.Itoa(p.FactoryID),
				"device_id":  strconv.Itoa(p.DeviceID),
			},
			fields,
			p.Timestamp)
	}
	return s.write.WritePoint(ctx, pts...)
}

func (s *InfluxSink) Close() {
	s.client.Close()
}
