package config

import (
	"os"
	"testing"
)

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	saved := make(map[string]string, len(envs))
	for k, v := range envs {
		saved[k] = os.Getenv(k)
		os.Setenv(k, v)
	}
	return func() {
		for k, v := range saved {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL":    "postgres://localhost/test",
		"MQTT_BROKER_URL": "tcp://localhost:1883",
		"AUTH_SECRET":     "test-secret",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.MQTTClientID != "factory-engine" {
			t.Errorf("MQTTClientID = %q, want factory-engine", cfg.MQTTClientID)
		}
		if cfg.MQTTQoS != 1 {
			t.Errorf("MQTTQoS = %d, want 1", cfg.MQTTQoS)
		}
		if cfg.TSBatchSize != 500 {
			t.Errorf("TSBatchSize = %d, want 500", cfg.TSBatchSize)
		}
		if cfg.TSFlushInterval.Seconds() != 1 {
			t.Errorf("TSFlushInterval = %v, want 1s", cfg.TSFlushInterval)
		}
		if !cfg.AutoCreateDevices {
			t.Error("AutoCreateDevices = false, want true")
		}
		if cfg.InfluxBucket != "telemetry" {
			t.Errorf("InfluxBucket = %q, want telemetry", cfg.InfluxBucket)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:       "nonexistent.env",
			HTTPAddr:      ":9090",
			LogLevel:      "debug",
			DatabaseURL:   "postgres://override/db",
			MQTTBrokerURL: "tcp://override:1883",
			RedisURL:      "redis://override:6379/1",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override value", cfg.DatabaseURL)
		}
		if cfg.RedisURL != "redis://override:6379/1" {
			t.Errorf("RedisURL = %q, want override value", cfg.RedisURL)
		}
	})

	t.Run("validate_rejects_bad_qos", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		cfg.MQTTQoS = 3
		if err := cfg.Validate(); err == nil {
			t.Error("Validate accepted QoS 3")
		}
	})

	t.Run("validate_requires_auth_secret", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		cfg.AuthSecret = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate accepted AUTH_ENABLED without AUTH_SECRET")
		}
		cfg.AuthEnabled = false
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate with auth disabled: %v", err)
		}
	})
}
