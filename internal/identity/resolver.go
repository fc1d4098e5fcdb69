// Package identity resolves broker-derived names to tenant identifiers:
// factory slug → factory_id, (factory_id, device_key) → device_id, and the
// discovered parameter key set per device. Lookups go in-process map →
// shared cache → relational store, with write-through on miss and
// single-flight coalescing so a burst of messages for one unknown key
// costs one backend call.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/factoryops/factory-engine/internal/cache"
	"github.com/factoryops/factory-engine/internal/database"
)

// ErrUnknownFactory means the topic slug does not name a registered
// factory. The coordinator drops the message after logging.
var ErrUnknownFactory = errors.New("unknown factory")

// ErrUnknownDevice surfaces only when device auto-creation is disabled by
// configuration and a telemetry message names an unregistered device.
var ErrUnknownDevice = errors.New("unknown device")

// Cache TTLs.
const (
	factoryTTL  = time.Hour
	deviceTTL   = time.Hour
	paramsTTL   = 10 * time.Minute
	negativeTTL = 30 * time.Second
)

// Store is the relational backend the resolver writes through to.
type Store interface {
	GetFactoryBySlug(ctx context.Context, slug string) (*database.Factory, error)
	GetFactoryTimezone(ctx context.Context, factoryID int) (string, error)
	GetDeviceID(ctx context.Context, factoryID int, deviceKey string) (int, error)
	CreateDevice(ctx context.Context, factoryID int, deviceKey string) (int, error)
	ListParameterKeys(ctx context.Context, deviceID int) ([]string, error)
}

type factoryEntry struct {
	factoryID int
	timezone  string
	expires   time.Time
}

type deviceEntry struct {
	deviceID int
	expires  time.Time
}

type paramEntry struct {
	keys    map[string]struct{}
	expires time.Time
}

type Resolver struct {
	store      Store
	shared     *cache.Cache
	log        zerolog.Logger
	autoCreate bool

	mu        sync.RWMutex
	factories map[string]factoryEntry // slug → entry
	timezones map[int]factoryEntry    // factory_id → entry (timezone only)
	devices   map[string]deviceEntry  // "fid:key" → entry
	params    map[int]paramEntry      // device_id → key set
	negative  map[string]time.Time    // miss key → expiry

	flight singleflight.Group
}

func NewResolver(store Store, shared *cache.Cache, autoCreate bool, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		shared:     shared,
		log:        log.With().Str("component", "identity").Logger(),
		autoCreate: autoCreate,
		factories:  make(map[string]factoryEntry),
		timezones:  make(map[int]factoryEntry),
		devices:    make(map[string]deviceEntry),
		params:     make(map[int]paramEntry),
		negative:   make(map[string]time.Time),
	}
}

func slugKey(slug string) string              { return "slug:" + slug }
func devKey(factoryID int, key string) string { return fmt.Sprintf("dev:%d:%s", factoryID, key) }
func paramsKey(deviceID int) string           { return fmt.Sprintf("params:%d", deviceID) }
func tzKey(factoryID int) string              { return fmt.Sprintf("tz:%d", factoryID) }

// ResolveFactory maps a topic slug to a factory ID.
func (r *Resolver) ResolveFactory(ctx context.Context, slug string) (int, error) {
	now := time.Now()

	r.mu.RLock()
	if e, ok := r.factories[slug]; ok && now.Before(e.expires) {
		r.mu.RUnlock()
		return e.factoryID, nil
	}
	if exp, ok := r.negative[slugKey(slug)]; ok && now.Before(exp) {
		r.mu.RUnlock()
		return 0, ErrUnknownFactory
	}
	r.mu.RUnlock()

	v, err, _ := r.flight.Do(slugKey(slug), func() (any, error) {
		return r.loadFactory(ctx, slug)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Resolver) loadFactory(ctx context.Context, slug string) (int, error) {
	// Shared cache layer.
	if id, err := r.shared.GetInt(ctx, slugKey(slug)); err == nil {
		r.storeFactory(slug, id, "")
		return id, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		r.log.Warn().Err(err).Str("slug", slug).Msg("shared cache read failed, falling through")
	}

	f, err := r.store.GetFactoryBySlug(ctx, slug)
	if errors.Is(err, database.ErrNotFound) {
		r.storeNegative(slugKey(slug))
		return 0, ErrUnknownFactory
	}
	if err != nil {
		return 0, err
	}

	if err := r.shared.Set(ctx, slugKey(slug), f.FactoryID, factoryTTL); err != nil {
		r.log.Warn().Err(err).Str("slug", slug).Msg("shared cache write failed")
	}
	r.storeFactory(slug, f.FactoryID, f.Timezone)
	return f.FactoryID, nil
}

func (r *Resolver) storeFactory(slug string, factoryID int, timezone string) {
	r.mu.Lock()
	r.factories[slug] = factoryEntry{factoryID: factoryID, timezone: timezone, expires: time.Now().Add(factoryTTL)}
	if timezone != "" {
		r.timezones[factoryID] = factoryEntry{timezone: timezone, expires: time.Now().Add(factoryTTL)}
	}
	delete(r.negative, slugKey(slug))
	r.mu.Unlock()
}

func (r *Resolver) storeNegative(key string) {
	r.mu.Lock()
	r.negative[key] = time.Now().Add(negativeTTL)
	r.mu.Unlock()
}

// FactoryTimezone returns the factory's IANA timezone for schedule
// evaluation, cached alongside the identity entries.
func (r *Resolver) FactoryTimezone(ctx context.Context, factoryID int) (string, error) {
	now := time.Now()
	r.mu.RLock()
	if e, ok := r.timezones[factoryID]; ok && now.Before(e.expires) && e.timezone != "" {
		r.mu.RUnlock()
		return e.timezone, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.flight.Do(tzKey(factoryID), func() (any, error) {
		if tz, err := r.shared.GetString(ctx, tzKey(factoryID)); err == nil {
			return tz, nil
		}
		tz, err := r.store.GetFactoryTimezone(ctx, factoryID)
		if err != nil {
			return "", err
		}
		if err := r.shared.Set(ctx, tzKey(factoryID), tz, factoryTTL); err != nil {
			r.log.Warn().Err(err).Int("factory_id", factoryID).Msg("shared cache write failed")
		}
		return tz, nil
	})
	if err != nil {
		return "", err
	}
	tz := v.(string)
	r.mu.Lock()
	r.timezones[factoryID] = factoryEntry{timezone: tz, expires: time.Now().Add(factoryTTL)}
	r.mu.Unlock()
	return tz, nil
}

// ResolveDevice maps (factory_id, device_key) to a device ID, creating the
// device on first sighting when auto-creation is enabled. The second return
// reports whether this call created the device.
func (r *Resolver) ResolveDevice(ctx context.Context, factoryID int, deviceKey string) (int, bool, error) {
	key := devKey(factoryID, deviceKey)
	now := time.Now()

	r.mu.RLock()
	if e, ok := r.devices[key]; ok && now.Before(e.expires) {
		r.mu.RUnlock()
		return e.deviceID, false, nil
	}
	r.mu.RUnlock()

	type result struct {
		id      int
		created bool
	}
	v, err, _ := r.flight.Do(key, func() (any, error) {
		if id, err := r.shared.GetInt(ctx, key); err == nil {
			r.storeDevice(key, id)
			return result{id: id}, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			r.log.Warn().Err(err).Str("device_key", deviceKey).Msg("shared cache read failed, falling through")
		}

		id, err := r.store.GetDeviceID(ctx, factoryID, deviceKey)
		created := false
		if errors.Is(err, database.ErrNotFound) {
			if !r.autoCreate {
				return nil, ErrUnknownDevice
			}
			id, err = r.store.CreateDevice(ctx, factoryID, deviceKey)
			created = err == nil
		}
		if err != nil {
			return nil, err
		}

		if err := r.shared.Set(ctx, key, id, deviceTTL); err != nil {
			r.log.Warn().Err(err).Str("device_key", deviceKey).Msg("shared cache write failed")
		}
		r.storeDevice(key, id)
		return result{id: id, created: created}, nil
	})
	if err != nil {
		return 0, false, err
	}
	res := v.(result)
	return res.id, res.created, nil
}

func (r *Resolver) storeDevice(key string, deviceID int) {
	r.mu.Lock()
	r.devices[key] = deviceEntry{deviceID: deviceID, expires: time.Now().Add(deviceTTL)}
	r.mu.Unlock()
}

// ParameterKeys returns the known metric keys for a device as a set.
func (r *Resolver) ParameterKeys(ctx context.Context, deviceID int) (map[string]struct{}, error) {
	now := time.Now()
	r.mu.RLock()
	if e, ok := r.params[deviceID]; ok && now.Before(e.expires) {
		// Snapshot under the read lock; callers diff against it.
		keys := make(map[string]struct{}, len(e.keys))
		for k := range e.keys {
			keys[k] = struct{}{}
		}
		r.mu.RUnlock()
		return keys, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.flight.Do(paramsKey(deviceID), func() (any, error) {
		if members, err := r.shared.GetSetMembers(ctx, paramsKey(deviceID)); err == nil {
			return members, nil
		}
		keys, err := r.store.ListParameterKeys(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			members := make([]any, len(keys))
			for i, k := range keys {
				members[i] = k
			}
			if err := r.shared.AddSetMembers(ctx, paramsKey(deviceID), paramsTTL, members...); err != nil {
				r.log.Warn().Err(err).Int("device_id", deviceID).Msg("shared cache write failed")
			}
		}
		return keys, nil
	})
	if err != nil {
		return nil, err
	}

	keys := v.([]string)
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	r.mu.Lock()
	r.params[deviceID] = paramEntry{keys: set, expires: time.Now().Add(paramsTTL)}
	r.mu.Unlock()

	// Return a copy so callers can't mutate the cached set.
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out, nil
}

// AddParameterKeys records freshly discovered keys in both cache layers
// after their rows were persisted.
func (r *Resolver) AddParameterKeys(ctx context.Context, deviceID int, keys []string) {
	if len(keys) == 0 {
		return
	}
	r.mu.Lock()
	e, ok := r.params[deviceID]
	if !ok || time.Now().After(e.expires) {
		e = paramEntry{keys: make(map[string]struct{}), expires: time.Now().Add(paramsTTL)}
	}
	for _, k := range keys {
		e.keys[k] = struct{}{}
	}
	r.params[deviceID] = e
	r.mu.Unlock()

	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := r.shared.AddSetMembers(ctx, paramsKey(deviceID), paramsTTL, members...); err != nil {
		r.log.Warn().Err(err).Int("device_id", deviceID).Msg("shared cache write failed")
	}
}

// HandleInvalidation drops local entries named by a CRUD invalidation
// message published on the shared cache channel.
func (r *Resolver) HandleInvalidation(message string) {
	parts := strings.SplitN(message, ":", 3)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch parts[0] {
	case "factory":
		if len(parts) >= 2 {
			delete(r.factories, parts[1])
			delete(r.negative, slugKey(parts[1]))
		}
	case "device":
		if len(parts) == 3 {
			if fid, err := strconv.Atoi(parts[1]); err == nil {
				delete(r.devices, devKey(fid, parts[2]))
			}
		}
	case "params":
		if len(parts) >= 2 {
			if deviceID, err := strconv.Atoi(parts[1]); err == nil {
				delete(r.params, deviceID)
			}
		}
	}
}

// CacheStats reports entry counts for diagnostics.
func (r *Resolver) CacheStats() (factories, devices, params int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories), len(r.devices), len(r.params)
}
