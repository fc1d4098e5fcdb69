package alerting

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/queue"
	"github.com/factoryops/factory-engine/internal/rules"
)

type cooldownKey struct {
	ruleID   int
	deviceID int
}

// fakeStore is an in-memory alerting.Store.
type fakeStore struct {
	mu        sync.Mutex
	rules     []*rules.Rule
	cooldowns map[cooldownKey]time.Time
	alerts    []database.Alert
	timezone  string
	listCalls int
}

func newFakeStore(timezone string, rs ...*rules.Rule) *fakeStore {
	return &fakeStore{
		rules:     rs,
		cooldowns: make(map[cooldownKey]time.Time),
		timezone:  timezone,
	}
}

func (s *fakeStore) ListCandidateRules(_ context.Context, factoryID, deviceID int) ([]*rules.Rule, []error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []*rules.Rule
	for _, r := range s.rules {
		if r.FactoryID != factoryID || !r.IsActive {
			continue
		}
		if r.Scope == rules.ScopeDevice {
			bound := false
			for _, id := range r.DeviceIDs {
				if id == deviceID {
					bound = true
					break
				}
			}
			if !bound {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil, nil
}

func (s *fakeStore) GetCooldown(_ context.Context, ruleID, deviceID int) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cooldowns[cooldownKey{ruleID, deviceID}]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *fakeStore) ClaimCooldown(_ context.Context, ruleID, deviceID int, now time.Time, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cooldownKey{ruleID, deviceID}
	if last, ok := s.cooldowns[key]; ok && now.Sub(last) < cooldown {
		return false, nil
	}
	s.cooldowns[key] = now
	return true, nil
}

func (s *fakeStore) InsertAlert(_ context.Context, a *database.Alert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.AlertID = len(s.alerts) + 1
	s.alerts = append(s.alerts, *a)
	return a.AlertID, nil
}

func (s *fakeStore) GetFactoryTimezone(_ context.Context, _ int) (string, error) {
	return s.timezone, nil
}

func (s *fakeStore) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testWorker(t *testing.T, store Store) (*Worker, *queue.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	broker := queue.NewBroker(rdb, queue.Options{}, zerolog.Nop())
	return NewWorker(store, broker, zerolog.Nop()), broker
}

func coolantRule(cooldownMinutes int) *rules.Rule {
	return &rules.Rule{
		RuleID:    1,
		FactoryID: 1,
		Name:      "Coolant starvation",
		Scope:     rules.ScopeGlobal,
		Conditions: &rules.Condition{
			Operator: rules.OpAnd,
			Conditions: []rules.Condition{
				{Parameter: "spindle_temp", Op: rules.OpGT, Threshold: 80},
				{Parameter: "coolant_flow", Op: rules.OpLT, Threshold: 5},
			},
		},
		CooldownMinutes: cooldownMinutes,
		IsActive:        true,
		ScheduleType:    rules.ScheduleAlways,
		Schedule:        &rules.ScheduleConfig{},
		Severity:        rules.SeverityCritical,
		Channels:        []string{rules.ChannelEmail},
	}
}

func runTask(t *testing.T, w *Worker, payload TaskPayload) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	task := &queue.Task{ID: "test", Queue: queue.RuleEngine, Payload: body, Attempt: 1}
	if err := w.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
}

func TestCooldownSuppression(t *testing.T) {
	store := newFakeStore("UTC", coolantRule(15))
	w, broker := testWorker(t, store)
	defer broker.Stop()

	t0 := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)
	payload := TaskPayload{
		FactoryID: 1,
		DeviceID:  5,
		Metrics:   map[string]float64{"spindle_temp": 82.5, "coolant_flow": 3.2},
		Timestamp: t0,
	}

	// t0: fires, one alert + one notification task.
	w.now = func() time.Time { return t0 }
	runTask(t, w, payload)
	if store.alertCount() != 1 {
		t.Fatalf("alerts after t0 = %d, want 1", store.alertCount())
	}
	if depth, _ := broker.Depth(context.Background(), queue.Notifications); depth != 1 {
		t.Errorf("notification tasks = %d, want 1", depth)
	}

	// t0+5m: inside the window, suppressed.
	w.now = func() time.Time { return t0.Add(5 * time.Minute) }
	runTask(t, w, payload)
	if store.alertCount() != 1 {
		t.Errorf("alerts after t0+5m = %d, want 1", store.alertCount())
	}

	// t0+16m: window elapsed, fires again.
	w.now = func() time.Time { return t0.Add(16 * time.Minute) }
	runTask(t, w, payload)
	if store.alertCount() != 2 {
		t.Errorf("alerts after t0+16m = %d, want 2", store.alertCount())
	}
	if depth, _ := broker.Depth(context.Background(), queue.Notifications); depth != 2 {
		t.Errorf("notification tasks = %d, want 2", depth)
	}
}

func TestAlertCarriesSnapshotAndMessage(t *testing.T) {
	store := newFakeStore("UTC", coolantRule(15))
	w, broker := testWorker(t, store)
	defer broker.Stop()

	t0 := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return t0 }
	runTask(t, w, TaskPayload{
		FactoryID: 1,
		DeviceID:  5,
		Metrics:   map[string]float64{"spindle_temp": 82.5, "coolant_flow": 3.2},
		Timestamp: t0,
	})

	store.mu.Lock()
	alert := store.alerts[0]
	store.mu.Unlock()

	if alert.Severity != rules.SeverityCritical {
		t.Errorf("severity = %q", alert.Severity)
	}
	if !alert.TriggeredAt.Equal(t0) {
		t.Errorf("triggered_at = %v, want %v", alert.TriggeredAt, t0)
	}
	var snapshot map[string]float64
	if err := json.Unmarshal(alert.TelemetrySnapshot, &snapshot); err != nil {
		t.Fatalf("snapshot decode: %v", err)
	}
	if snapshot["spindle_temp"] != 82.5 || snapshot["coolant_flow"] != 3.2 {
		t.Errorf("snapshot = %v", snapshot)
	}
	if alert.Message == "" {
		t.Error("empty alert message")
	}
}

func TestUndeterminedLeafInOr(t *testing.T) {
	rule := &rules.Rule{
		RuleID:    2,
		FactoryID: 1,
		Name:      "Temp or vibration",
		Scope:     rules.ScopeGlobal,
		Conditions: &rules.Condition{
			Operator: rules.OpOr,
			Conditions: []rules.Condition{
				{Parameter: "temp", Op: rules.OpGT, Threshold: 50},
				{Parameter: "vibration", Op: rules.OpGT, Threshold: 5},
			},
		},
		IsActive:     true,
		ScheduleType: rules.ScheduleAlways,
		Schedule:     &rules.ScheduleConfig{},
		Severity:     rules.SeverityHigh,
	}
	store := newFakeStore("UTC", rule)
	w, broker := testWorker(t, store)
	defer broker.Stop()

	t0 := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return t0 }

	// {temp:60}: OR over {true, undetermined} fires.
	runTask(t, w, TaskPayload{FactoryID: 1, DeviceID: 5, Metrics: map[string]float64{"temp": 60}, Timestamp: t0})
	if store.alertCount() != 1 {
		t.Fatalf("alerts = %d, want 1", store.alertCount())
	}

	// {vibration:3}: OR over {undetermined, false} does not fire.
	w.now = func() time.Time { return t0.Add(time.Hour) }
	runTask(t, w, TaskPayload{FactoryID: 1, DeviceID: 6, Metrics: map[string]float64{"vibration": 3}, Timestamp: t0})
	if store.alertCount() != 1 {
		t.Errorf("alerts = %d, want 1 (undetermined OR false must not fire)", store.alertCount())
	}
}

func TestScheduleGating(t *testing.T) {
	rule := coolantRule(0)
	rule.ScheduleType = rules.ScheduleTimeWindow
	rule.Schedule = &rules.ScheduleConfig{Days: []int{1, 2, 3, 4, 5}, StartTime: "06:00", EndTime: "22:00"}

	store := newFakeStore("Asia/Kolkata", rule)
	w, broker := testWorker(t, store)
	defer broker.Stop()

	kolkata, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	payload := TaskPayload{
		FactoryID: 1,
		DeviceID:  5,
		Metrics:   map[string]float64{"spindle_temp": 90, "coolant_flow": 1},
	}

	// Saturday 10:00 local: gated.
	w.now = func() time.Time { return time.Date(2024, 6, 15, 10, 0, 0, 0, kolkata).UTC() }
	runTask(t, w, payload)
	if store.alertCount() != 0 {
		t.Fatalf("alerts on saturday = %d, want 0", store.alertCount())
	}

	// Monday 21:59 local: fires.
	w.now = func() time.Time { return time.Date(2024, 6, 17, 21, 59, 0, 0, kolkata).UTC() }
	runTask(t, w, payload)
	if store.alertCount() != 1 {
		t.Fatalf("alerts at 21:59 = %d, want 1", store.alertCount())
	}

	// Monday 22:01 local: gated again.
	w.now = func() time.Time { return time.Date(2024, 6, 17, 22, 1, 0, 0, kolkata).UTC() }
	runTask(t, w, payload)
	if store.alertCount() != 1 {
		t.Errorf("alerts at 22:01 = %d, want 1", store.alertCount())
	}
}

func TestDeviceScopeBinding(t *testing.T) {
	rule := coolantRule(0)
	rule.Scope = rules.ScopeDevice
	rule.DeviceIDs = []int{5}

	store := newFakeStore("UTC", rule)
	w, broker := testWorker(t, store)
	defer broker.Stop()

	t0 := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return t0 }
	metrics := map[string]float64{"spindle_temp": 90, "coolant_flow": 1}

	runTask(t, w, TaskPayload{FactoryID: 1, DeviceID: 7, Metrics: metrics, Timestamp: t0})
	if store.alertCount() != 0 {
		t.Errorf("unbound device fired rule: alerts = %d", store.alertCount())
	}
	runTask(t, w, TaskPayload{FactoryID: 1, DeviceID: 5, Metrics: metrics, Timestamp: t0})
	if store.alertCount() != 1 {
		t.Errorf("bound device alerts = %d, want 1", store.alertCount())
	}
}

func TestRuleCacheInvalidation(t *testing.T) {
	store := newFakeStore("UTC", coolantRule(0))
	w, broker := testWorker(t, store)
	defer broker.Stop()

	t0 := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return t0 }
	payload := TaskPayload{FactoryID: 1, DeviceID: 5, Metrics: map[string]float64{"other": 1}, Timestamp: t0}

	runTask(t, w, payload)
	runTask(t, w, payload)
	store.mu.Lock()
	calls := store.listCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("store list calls = %d, want 1 (cached)", calls)
	}

	w.HandleInvalidation("rules:1")
	runTask(t, w, payload)
	store.mu.Lock()
	calls = store.listCalls
	store.mu.Unlock()
	if calls != 2 {
		t.Errorf("store list calls after invalidation = %d, want 2", calls)
	}
}
