package ingest

import (
	"errors"
	"strings"
)

// ErrInvalidTopic rejects topics that do not match the telemetry pattern.
var ErrInvalidTopic = errors.New("invalid topic")

// Route identifies the tenant and device named by a telemetry topic.
type Route struct {
	FactorySlug string
	DeviceKey   string
}

// TopicPattern is the broker subscription filter for device telemetry.
const TopicPattern = "factories/+/devices/+/telemetry"

// ParseTopic validates a topic against the pattern
// factories/{slug}/devices/{device_key}/telemetry. Exactly five segments,
// case-sensitive literals, non-empty slug and device key.
func ParseTopic(topic string) (*Route, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return nil, ErrInvalidTopic
	}
	if parts[0] != "factories" || parts[2] != "devices" || parts[4] != "telemetry" {
		return nil, ErrInvalidTopic
	}
	if parts[1] == "" || parts[3] == "" {
		return nil, ErrInvalidTopic
	}
	if len(parts[1]) > 100 || len(parts[3]) > 100 {
		return nil, ErrInvalidTopic
	}
	return &Route{FactorySlug: parts[1], DeviceKey: parts[3]}, nil
}
