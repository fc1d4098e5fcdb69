package health

import (
	"testing"
	"time"
)

func TestOnline(t *testing.T) {
	now := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)

	t.Run("never_seen_offline", func(t *testing.T) {
		if Online(nil, now) {
			t.Error("nil last_seen reported online")
		}
	})

	t.Run("recent_online", func(t *testing.T) {
		seen := now.Add(-9 * time.Minute)
		if !Online(&seen, now) {
			t.Error("device seen 9m ago reported offline")
		}
	})

	t.Run("boundary_inclusive", func(t *testing.T) {
		seen := now.Add(-OnlineThreshold)
		if !Online(&seen, now) {
			t.Error("device at exactly the threshold reported offline")
		}
	})

	t.Run("stale_offline", func(t *testing.T) {
		seen := now.Add(-11 * time.Minute)
		if Online(&seen, now) {
			t.Error("device seen 11m ago reported online")
		}
	})
}

func TestStale(t *testing.T) {
	now := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)

	if Stale(now.Add(-30*time.Second), now, 60*time.Second) {
		t.Error("30s-old reading flagged stale under 60s threshold")
	}
	if !Stale(now.Add(-61*time.Second), now, 60*time.Second) {
		t.Error("61s-old reading not flagged stale")
	}
	// Zero threshold falls back to the default.
	if Stale(now.Add(-30*time.Second), now, 0) {
		t.Error("default threshold not applied")
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name                    string
		critical, high, offline int
		want                    int
	}{
		{"healthy", 0, 0, 0, 100},
		{"one_critical", 1, 0, 0, 95},
		{"mixed", 2, 3, 4, 80},
		{"clamped_to_zero", 30, 0, 0, 0},
		{"exactly_zero", 20, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.critical, tt.high, tt.offline); got != tt.want {
				t.Errorf("Score(%d, %d, %d) = %d, want %d", tt.critical, tt.high, tt.offline, got, tt.want)
			}
		})
	}
}
