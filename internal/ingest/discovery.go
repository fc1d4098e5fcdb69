package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/factoryops/factory-engine/internal/identity"
	"github.com/factoryops/factory-engine/internal/metrics"
)

// ParameterStore persists discovered metric channels.
type ParameterStore interface {
	UpsertParameter(ctx context.Context, factoryID, deviceID int, key, dataType string, discoveredAt time.Time) error
}

// Discovery reconciles the metric keys of each message with persisted
// DeviceParameter rows, creating missing ones. The insert is conditional
// on the unique constraint, so concurrent workers discovering the same key
// leave exactly one row.
type Discovery struct {
	resolver *identity.Resolver
	store    ParameterStore
	log      zerolog.Logger
}

func NewDiscovery(resolver *identity.Resolver, store ParameterStore, log zerolog.Logger) *Discovery {
	return &Discovery{
		resolver: resolver,
		store:    store,
		log:      log.With().Str("component", "discovery").Logger(),
	}
}

// EnsureParameters makes sure every metric key in the message has a
// persisted parameter row, consulting the cached key set first.
func (d *Discovery) EnsureParameters(ctx context.Context, factoryID, deviceID int, m map[string]Metric, now time.Time) error {
	known, err := d.resolver.ParameterKeys(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load parameter keys for device %d: %w", deviceID, err)
	}

	var newKeys []string
	for key := range m {
		if _, ok := known[key]; !ok {
			newKeys = append(newKeys, key)
		}
	}
	if len(newKeys) == 0 {
		return nil
	}
	sort.Strings(newKeys)

	for _, key := range newKeys {
		if err := d.store.UpsertParameter(ctx, factoryID, deviceID, key, m[key].DataType(), now); err != nil {
			return fmt.Errorf("upsert parameter %q for device %d: %w", key, deviceID, err)
		}
	}

	d.resolver.AddParameterKeys(ctx, deviceID, newKeys)
	metrics.ParametersDiscovered.Add(float64(len(newKeys)))
	d.log.Info().
		Int("device_id", deviceID).
		Strs("keys", newKeys).
		Msg("new parameters discovered")
	return nil
}
