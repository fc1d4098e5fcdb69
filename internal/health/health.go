// Package health derives device and factory health from last-seen state
// and active alerts. Everything here is a computation over inputs; nothing
// is stored.
package health

import "time"

// OnlineThreshold is how recent a device's last_seen must be to count as
// online.
const OnlineThreshold = 10 * time.Minute

// DefaultStalenessThreshold flags live KPI values older than this as stale.
// Distinct from the online threshold: a device can be online while its
// latest reading is too old to trust on a dashboard.
const DefaultStalenessThreshold = 60 * time.Second

// Online reports whether a device with the given last_seen is online.
// A device that has never reported is offline.
func Online(lastSeen *time.Time, now time.Time) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) <= OnlineThreshold
}

// Stale reports whether a KPI reading observed at lastSeen should be
// flagged stale under the given threshold.
func Stale(lastSeen time.Time, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}
	return now.Sub(lastSeen) > threshold
}

// Score computes the factory health score: start at 100, subtract 5 per
// active critical alert, 2 per active high alert, and 1 per offline
// device, clamped to [0, 100].
func Score(activeCritical, activeHigh, offlineDevices int) int {
	score := 100 - 5*activeCritical - 2*activeHigh - offlineDevices
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
