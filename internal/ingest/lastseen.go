package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/cache"
)

// LastSeenStore persists the device freshness watermark.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, factoryID, deviceID int, seen time.Time) error
}

// lastSeenMirrorTTL bounds the shared-cache mirror of last_seen and the
// live KPI hash.
const lastSeenMirrorTTL = 15 * time.Minute

type pendingSeen struct {
	factoryID int
	seen      time.Time
	metrics   map[string]float64
}

// LastSeenTracker coalesces last_seen updates per device: under a hot
// device only the newest observation inside each debounce window reaches
// the relational store, and a shared-cache mirror serves hot reads. The
// relational write is conditional, so last_seen never moves backwards.
type LastSeenTracker struct {
	store    LastSeenStore
	shared   *cache.Cache
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[int]pendingSeen // device_id → newest observation

	cancel context.CancelFunc
	done   chan struct{}
}

func NewLastSeenTracker(store LastSeenStore, shared *cache.Cache, debounce time.Duration, log zerolog.Logger) *LastSeenTracker {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &LastSeenTracker{
		store:    store,
		shared:   shared,
		debounce: debounce,
		log:      log.With().Str("component", "last-seen").Logger(),
		pending:  make(map[int]pendingSeen),
		done:     make(chan struct{}),
	}
}

// Observe records a device sighting with the metrics it carried. The
// newest timestamp per device wins within a window.
func (t *LastSeenTracker) Observe(factoryID, deviceID int, seen time.Time, metrics map[string]float64) {
	t.mu.Lock()
	if prev, ok := t.pending[deviceID]; !ok || seen.After(prev.seen) {
		t.pending[deviceID] = pendingSeen{factoryID: factoryID, seen: seen, metrics: metrics}
	}
	t.mu.Unlock()
}

// Start launches the periodic flusher.
func (t *LastSeenTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.debounce)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.flush(ctx)
			}
		}
	}()
}

// Stop flushes outstanding observations and halts the flusher.
func (t *LastSeenTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.flush(ctx)
}

func (t *LastSeenTracker) flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = make(map[int]pendingSeen)
	t.mu.Unlock()

	for deviceID, obs := range batch {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := t.store.TouchLastSeen(opCtx, obs.factoryID, deviceID, obs.seen)
		cancel()
		if err != nil {
			t.log.Warn().Err(err).Int("device_id", deviceID).Msg("last_seen update failed")
			// Re-queue so the next window retries, unless a newer sighting arrived.
			t.mu.Lock()
			if cur, ok := t.pending[deviceID]; !ok || obs.seen.After(cur.seen) {
				t.pending[deviceID] = obs
			}
			t.mu.Unlock()
			continue
		}
		t.mirror(ctx, deviceID, obs)
	}
}

// mirror refreshes the shared-cache view consumed by live KPI reads:
// last_seen:{device_id} plus a kpi:{device_id} hash of the latest values.
func (t *LastSeenTracker) mirror(ctx context.Context, deviceID int, obs pendingSeen) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	key := fmt.Sprintf("last_seen:%d", deviceID)
	if err := t.shared.Set(opCtx, key, obs.seen.UTC().Format(time.RFC3339Nano), lastSeenMirrorTTL); err != nil {
		t.log.Warn().Err(err).Int("device_id", deviceID).Msg("last_seen mirror write failed")
		return
	}

	if len(obs.metrics) == 0 {
		return
	}
	fields := make(map[string]any, len(obs.metrics))
	for k, v := range obs.metrics {
		fields[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	if err := t.shared.SetHashFields(opCtx, fmt.Sprintf("kpi:%d", deviceID), lastSeenMirrorTTL, fields); err != nil {
		t.log.Warn().Err(err).Int("device_id", deviceID).Msg("kpi mirror write failed")
	}
}
