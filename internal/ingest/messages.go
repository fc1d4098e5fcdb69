package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidPayload rejects telemetry bodies that fail schema validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Metric is one telemetry value: a tagged numeric variant preserving
// whether the device sent an integer or a float. The distinction feeds
// parameter data-type inference; evaluation always uses the float view.
type Metric struct {
	IsInt bool
	Int   int64
	Float float64
}

// Value returns the metric as a float64 for comparison and storage.
func (m Metric) Value() float64 {
	if m.IsInt {
		return float64(m.Int)
	}
	return m.Float
}

// DataType returns the parameter data type implied by the numeric form.
func (m Metric) DataType() string {
	if m.IsInt {
		return "int"
	}
	return "float"
}

// Telemetry is one parsed broker message.
type Telemetry struct {
	Timestamp time.Time
	Metrics   map[string]Metric
}

// rawPayload is the wire shape before metric validation.
type rawPayload struct {
	Timestamp string                     `json:"timestamp"`
	Metrics   map[string]json.RawMessage `json:"metrics"`
}

// ParsePayload validates a telemetry body: an optional RFC 3339 timestamp
// (UTC assumed when the zone is absent) and a non-empty metrics object
// whose values are all finite JSON numbers. Anything else — null, boolean,
// string, nested object, batched array — is ErrInvalidPayload. When the
// timestamp is absent or unparseable, ingest time is used.
func ParsePayload(data []byte, now time.Time) (*Telemetry, error) {
	var raw rawPayload
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if len(raw.Metrics) == 0 {
		return nil, fmt.Errorf("%w: metrics object missing or empty", ErrInvalidPayload)
	}

	metrics := make(map[string]Metric, len(raw.Metrics))
	for key, value := range raw.Metrics {
		if key == "" || len(key) > 100 {
			return nil, fmt.Errorf("%w: bad metric key %q", ErrInvalidPayload, key)
		}
		m, err := parseMetric(value)
		if err != nil {
			return nil, fmt.Errorf("%w: metric %q: %v", ErrInvalidPayload, key, err)
		}
		metrics[key] = m
	}

	ts := now.UTC()
	if raw.Timestamp != "" {
		if parsed, err := parseTimestamp(raw.Timestamp); err == nil {
			ts = parsed
		}
	}

	return &Telemetry{Timestamp: ts, Metrics: metrics}, nil
}

// parseMetric decodes one metric value, requiring a finite JSON number and
// keeping the integer form when the literal has no fraction or exponent.
func parseMetric(value json.RawMessage) (Metric, error) {
	// json.Number also decodes a quoted numeric string; only bare number
	// literals (leading '-' or digit) are accepted here.
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || !(trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		return Metric{}, fmt.Errorf("not a number")
	}
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return Metric{}, fmt.Errorf("not a number")
	}

	if i, err := num.Int64(); err == nil && !bytes.ContainsAny(value, ".eE") {
		return Metric{IsInt: true, Int: i}, nil
	}
	f, err := num.Float64()
	if err != nil {
		return Metric{}, fmt.Errorf("not a number")
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return Metric{}, fmt.Errorf("not finite")
	}
	return Metric{Float: f}, nil
}

// parseTimestamp accepts RFC 3339 and the zone-less variant, which is read
// as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FloatMetrics projects a metric map onto plain float values for rule
// evaluation and queue payloads.
func FloatMetrics(metrics map[string]Metric) map[string]float64 {
	out := make(map[string]float64, len(metrics))
	for k, m := range metrics {
		out[k] = m.Value()
	}
	return out
}
