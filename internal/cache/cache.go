// Package cache memoises role-scoped query results. Entries are keyed by
// (kind, role, facility) and invalidated per kind.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hkit.org/internal/domain"
	"hkit.org/internal/obs"
)

// Kinds cached by the accessors.
const (
	KindFacilities    = "facilities"
	KindRegistrations = "registrations"
	KindConsents      = "consents"
	KindAuditLogs     = "audit_logs"
	KindMpi           = "mpi"
	KindInterop       = "interop"
	KindScores        = "scores"
)

type Key struct {
	Kind     string
	Role     domain.Role
	Facility string
	// Extra distinguishes entries of one kind for the same scope, e.g. an id.
	Extra string
}

// KeyFor builds the key for scope.
func KeyFor(kind string, scope domain.Scope) Key {
	return Key{Kind: kind, Role: scope.Role, Facility: scope.FacilityKey()}
}

func (k Key) String() string {
	s := k.Kind + ":" + string(k.Role) + ":" + k.Facility
	if k.Extra != "" {
		s += ":" + k.Extra
	}
	return s
}

// Cache stores JSON-encoded values.
type Cache interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Set(ctx context.Context, key Key, value []byte) error
	Invalidate(ctx context.Context, kinds ...string) error
}

// Fetch returns the cached value for key or loads, stores and returns it.
// Cache failures are logged and never fail the call.
func Fetch[T any](ctx context.Context, c Cache, key Key, load func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return load(ctx)
	}
	if raw, ok, err := c.Get(ctx, key); err != nil {
		obs.Logger().Warn().Err(err).Str("key", key.String()).Msg("cache get failed")
	} else if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			obs.ObserveCache(key.Kind, true)
			return v, nil
		}
	}
	obs.ObserveCache(key.Kind, false)

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	raw, err := json.Marshal(v)
	if err == nil {
		err = c.Set(ctx, key, raw)
	}
	if err != nil {
		obs.Logger().Warn().Err(err).Str("key", key.String()).Msg("cache set failed")
	}
	return v, nil
}

// Invalidate drops kinds, logging instead of failing.
func Invalidate(ctx context.Context, c Cache, kinds ...string) {
	if c == nil {
		return
	}
	if err := c.Invalidate(ctx, kinds...); err != nil {
		obs.Logger().Warn().Err(err).Strs("kinds", kinds).Msg("cache invalidate failed")
	}
}

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is a process-local Cache.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[Key]entry
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]map[Key]entry)}
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.Kind][key]
	if !ok {
		return nil, false, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries[key.Kind], key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind, ok := m.entries[key.Kind]
	if !ok {
		byKind = make(map[Key]entry)
		m.entries[key.Kind] = byKind
	}
	byKind[key] = entry{value: value, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, kinds ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range kinds {
		delete(m.entries, k)
	}
	return nil
}
