package ingest

import (
	"errors"
	"testing"
	"time"
)

func TestParsePayload(t *testing.T) {
	now := time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC)

	t.Run("valid_mixed_types", func(t *testing.T) {
		tel, err := ParsePayload([]byte(`{"metrics":{"voltage":231.4,"cycles":12}}`), now)
		if err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		v := tel.Metrics["voltage"]
		if v.IsInt || v.Value() != 231.4 || v.DataType() != "float" {
			t.Errorf("voltage = %+v", v)
		}
		c := tel.Metrics["cycles"]
		if !c.IsInt || c.Int != 12 || c.DataType() != "int" {
			t.Errorf("cycles = %+v", c)
		}
		if !tel.Timestamp.Equal(now) {
			t.Errorf("timestamp = %v, want ingest time", tel.Timestamp)
		}
	})

	t.Run("timestamp_with_zone", func(t *testing.T) {
		tel, err := ParsePayload([]byte(`{"timestamp":"2024-06-17T10:30:00+05:30","metrics":{"t":1}}`), now)
		if err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		want := time.Date(2024, 6, 17, 5, 0, 0, 0, time.UTC)
		if !tel.Timestamp.Equal(want) {
			t.Errorf("timestamp = %v, want %v", tel.Timestamp, want)
		}
	})

	t.Run("timestamp_without_zone_is_utc", func(t *testing.T) {
		tel, err := ParsePayload([]byte(`{"timestamp":"2024-06-17T10:30:00","metrics":{"t":1}}`), now)
		if err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		want := time.Date(2024, 6, 17, 10, 30, 0, 0, time.UTC)
		if !tel.Timestamp.Equal(want) {
			t.Errorf("timestamp = %v, want %v", tel.Timestamp, want)
		}
	})

	t.Run("unparseable_timestamp_falls_back", func(t *testing.T) {
		tel, err := ParsePayload([]byte(`{"timestamp":"last tuesday","metrics":{"t":1}}`), now)
		if err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		if !tel.Timestamp.Equal(now) {
			t.Errorf("timestamp = %v, want ingest time", tel.Timestamp)
		}
	})

	t.Run("float_with_exponent_stays_float", func(t *testing.T) {
		tel, err := ParsePayload([]byte(`{"metrics":{"x":1e3}}`), now)
		if err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		if tel.Metrics["x"].IsInt {
			t.Error("1e3 classified as int")
		}
	})

	invalid := []struct {
		name    string
		payload string
	}{
		{"empty_metrics", `{"metrics":{}}`},
		{"missing_metrics", `{"timestamp":"2024-06-17T10:00:00Z"}`},
		{"null_value", `{"metrics":{"t":null}}`},
		{"bool_value", `{"metrics":{"t":true}}`},
		{"string_value", `{"metrics":{"t":"42"}}`},
		{"nested_object", `{"metrics":{"t":{"v":1}}}`},
		{"array_value", `{"metrics":{"t":[1,2]}}`},
		{"batched_array_payload", `[{"metrics":{"t":1}}]`},
		{"not_json", `voltage=231.4`},
		{"empty_key", `{"metrics":{"":1}}`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePayload([]byte(tt.payload), now); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("ParsePayload(%s) = %v, want ErrInvalidPayload", tt.payload, err)
			}
		})
	}
}

func TestFloatMetrics(t *testing.T) {
	m := map[string]Metric{
		"a": {IsInt: true, Int: 5},
		"b": {Float: 2.5},
	}
	floats := FloatMetrics(m)
	if floats["a"] != 5 || floats["b"] != 2.5 {
		t.Errorf("FloatMetrics = %v", floats)
	}
}
