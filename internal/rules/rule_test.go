package rules

import (
	"strings"
	"testing"
	"time"
)

func testRule() *Rule {
	cond := group(OpAnd, leaf("spindle_temp", OpGT, 80), leaf("coolant_flow", OpLT, 5))
	return &Rule{
		RuleID:          1,
		FactoryID:       1,
		Name:            "Coolant starvation",
		Scope:           ScopeGlobal,
		Conditions:      &cond,
		CooldownMinutes: 15,
		IsActive:        true,
		ScheduleType:    ScheduleAlways,
		Schedule:        &ScheduleConfig{},
		Severity:        SeverityCritical,
		Channels:        []string{ChannelEmail},
	}
}

func TestValidateMeta(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := testRule().ValidateMeta(); err != nil {
			t.Errorf("ValidateMeta: %v", err)
		}
	})

	t.Run("device_scope_requires_devices", func(t *testing.T) {
		r := testRule()
		r.Scope = ScopeDevice
		r.DeviceIDs = nil
		if err := r.ValidateMeta(); err == nil {
			t.Error("accepted device scope with no devices")
		}
		r.DeviceIDs = []int{5}
		if err := r.ValidateMeta(); err != nil {
			t.Errorf("ValidateMeta with devices: %v", err)
		}
	})

	t.Run("cooldown_bounds", func(t *testing.T) {
		r := testRule()
		r.CooldownMinutes = 1441
		if err := r.ValidateMeta(); err == nil {
			t.Error("accepted cooldown over 1440")
		}
		r.CooldownMinutes = -1
		if err := r.ValidateMeta(); err == nil {
			t.Error("accepted negative cooldown")
		}
		r.CooldownMinutes = 0
		if err := r.ValidateMeta(); err != nil {
			t.Errorf("rejected zero cooldown: %v", err)
		}
	})

	t.Run("bad_severity", func(t *testing.T) {
		r := testRule()
		r.Severity = "urgent"
		if err := r.ValidateMeta(); err == nil {
			t.Error("accepted unknown severity")
		}
	})

	t.Run("bad_channel", func(t *testing.T) {
		r := testRule()
		r.Channels = []string{"sms"}
		if err := r.ValidateMeta(); err == nil {
			t.Error("accepted unknown channel")
		}
	})
}

func TestRuleEvaluate(t *testing.T) {
	r := testRule()
	now := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)

	if !r.Evaluate(map[string]float64{"spindle_temp": 82.5, "coolant_flow": 3.2}, now, time.UTC) {
		t.Error("rule did not fire on satisfying metrics")
	}
	if r.Evaluate(map[string]float64{"spindle_temp": 70, "coolant_flow": 3.2}, now, time.UTC) {
		t.Error("rule fired below threshold")
	}
	// Undetermined at the root does not fire.
	if r.Evaluate(map[string]float64{"other": 1}, now, time.UTC) {
		t.Error("rule fired on undetermined root")
	}
}

func TestRuleEvaluateScheduleGate(t *testing.T) {
	r := testRule()
	r.ScheduleType = ScheduleTimeWindow
	r.Schedule = &ScheduleConfig{Days: []int{1, 2, 3, 4, 5}, StartTime: "06:00", EndTime: "22:00"}
	metrics := map[string]float64{"spindle_temp": 90, "coolant_flow": 1}

	kolkata, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	saturday := time.Date(2024, 6, 15, 10, 0, 0, 0, kolkata)
	if r.Evaluate(metrics, saturday.UTC(), kolkata) {
		t.Error("rule fired outside schedule days")
	}
	monday := time.Date(2024, 6, 17, 21, 59, 0, 0, kolkata)
	if !r.Evaluate(metrics, monday.UTC(), kolkata) {
		t.Error("rule did not fire inside the window")
	}
	late := time.Date(2024, 6, 17, 22, 1, 0, 0, kolkata)
	if r.Evaluate(metrics, late.UTC(), kolkata) {
		t.Error("rule fired past the window end")
	}
}

func TestAlertMessage(t *testing.T) {
	r := testRule()
	metrics := map[string]float64{"spindle_temp": 82.5, "coolant_flow": 3.2}

	msg := r.AlertMessage(metrics)
	if !strings.HasPrefix(msg, "Coolant starvation: ") {
		t.Errorf("message missing rule name prefix: %q", msg)
	}
	// Leaves sort by parameter, so coolant_flow comes first.
	if !strings.Contains(msg, "coolant_flow lt 5 (value 3.2); spindle_temp gt 80 (value 82.5)") {
		t.Errorf("unexpected message body: %q", msg)
	}

	// Deterministic across invocations.
	for i := 0; i < 5; i++ {
		if got := r.AlertMessage(metrics); got != msg {
			t.Fatalf("message not deterministic: %q vs %q", got, msg)
		}
	}
}
