package timeseries

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/metrics"
)

// Spool persists batches that could not be flushed as JSON-lines segment
// files and drains them back to the sink in the background. Total size is
// bounded: when a new segment would exceed the cap, the oldest segments
// are shed first so recent data survives.
type Spool struct {
	dir      string
	maxBytes int64
	sink     Sink
	log      zerolog.Logger

	mu  sync.Mutex
	seq int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSpool(dir string, maxBytes int64, sink Sink, log zerolog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{
		dir:      dir,
		maxBytes: maxBytes,
		sink:     sink,
		log:      log.With().Str("component", "spool").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Append writes one batch as a new segment file, shedding the oldest
// segments if the directory would exceed its size bound.
func (s *Spool) Append(batch []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	name := fmt.Sprintf("seg-%d-%06d.jsonl", time.Now().UnixNano(), s.seq)
	path := filepath.Join(s.dir, name)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, p := range batch {
		if err := enc.Encode(p); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	metrics.PointsSpooled.Add(float64(len(batch)))
	s.enforceBoundLocked()
	return nil
}

// enforceBoundLocked deletes oldest segments until total size fits.
func (s *Spool) enforceBoundLocked() {
	segs, total := s.scan()
	for _, seg := range segs {
		if total <= s.maxBytes {
			return
		}
		shed := countLines(seg.path)
		if err := os.Remove(seg.path); err != nil {
			s.log.Error().Err(err).Str("segment", seg.path).Msg("spool shed failed")
			return
		}
		total -= seg.size
		metrics.PointsShed.Add(float64(shed))
		s.log.Warn().
			Str("segment", filepath.Base(seg.path)).
			Int("points", shed).
			Msg("spool full, shed oldest segment")
	}
}

type segment struct {
	path string
	size int64
}

// scan lists segments oldest-first with the directory's total size.
func (s *Spool) scan() ([]segment, int64) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0
	}
	var segs []segment
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "seg-") || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, segment{path: filepath.Join(s.dir, e.Name()), size: info.Size()})
		total += info.Size()
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].path < segs[j].path })
	return segs, total
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}

// StartDrainer begins background draining: an fsnotify watcher wakes it
// when new segments land, with a ticker fallback for anything the watcher
// misses.
func (s *Spool) StartDrainer(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("fsnotify unavailable, drainer falls back to polling")
	} else if err := watcher.Add(s.dir); err != nil {
		s.log.Warn().Err(err).Str("dir", s.dir).Msg("watch spool dir failed, drainer falls back to polling")
		watcher.Close()
		watcher = nil
	}

	go func() {
		defer close(s.done)
		if watcher != nil {
			defer watcher.Close()
		}

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		// Drain whatever a previous run left behind.
		s.drain(ctx)

		for {
			var events <-chan fsnotify.Event
			if watcher != nil {
				events = watcher.Events
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.drain(ctx)
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
					s.drain(ctx)
				}
			}
		}
	}()
}

// StopDrainer halts background draining.
func (s *Spool) StopDrainer() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// drain replays segments oldest-first, deleting each on success. A failed
// segment stops the pass; the next wake retries it.
func (s *Spool) drain(ctx context.Context) {
	segs, _ := s.scan()
	for _, seg := range segs {
		if ctx.Err() != nil {
			return
		}
		points, err := readSegment(seg.path)
		if err != nil {
			s.log.Error().Err(err).Str("segment", seg.path).Msg("unreadable spool segment, removing")
			os.Remove(seg.path)
			continue
		}
		if len(points) > 0 {
			writeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err = s.sink.WritePoints(writeCtx, points)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Str("segment", filepath.Base(seg.path)).Msg("spool drain write failed, will retry")
				return
			}
			metrics.PointsWritten.Add(float64(len(points)))
		}
		if err := os.Remove(seg.path); err != nil {
			s.log.Error().Err(err).Str("segment", seg.path).Msg("spool segment remove failed")
			return
		}
		s.log.Info().Str("segment", filepath.Base(seg.path)).Int("points", len(points)).Msg("spool segment drained")
	}
}

func readSegment(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var points []Point
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var p Point
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("corrupt line in %s: %w", filepath.Base(path), err)
		}
		points = append(points, p)
	}
	return points, sc.Err()
}
