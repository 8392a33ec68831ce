package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

// MemStore is an in-memory implementation of store.Store and
// store.RunStore for unit tests. All operations take a single lock, so
// each call is atomic exactly like its Redis counterpart, which makes it
// usable for simulated concurrent callers. The clock is injectable so
// tests can drive window expiry without sleeping.
type MemStore struct {
	mu sync.Mutex

	// Now supplies the current time. Defaults to time.Now.
	Now func() time.Time

	// Fail, when set, makes every operation return this error. Used to
	// test fail-closed behavior on store outage.
	Fail error

	counters      map[string]memCounter
	cooldownUntil time.Time
	cooldownSet   bool

	runs     map[string]*memRun
	failures map[string]map[string]time.Time
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

type memRun struct {
	fields    map[string]int64
	startedAt time.Time
	endedAt   time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		Now:      time.Now,
		counters: make(map[string]memCounter),
		runs:     make(map[string]*memRun),
		failures: make(map[string]map[string]time.Time),
	}
}

// IncrWithTTL implements store.Store.
func (m *MemStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, m.Fail
	}

	now := m.Now()
	c, ok := m.counters[key]
	if !ok || !c.expiresAt.After(now) {
		c = memCounter{value: 0, expiresAt: now.Add(ttl)}
	}
	c.value++
	m.counters[key] = c
	return c.value, nil
}

// Get implements store.Store.
func (m *MemStore) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, false, m.Fail
	}

	c, ok := m.counters[key]
	if !ok || !c.expiresAt.After(m.Now()) {
		return 0, false, nil
	}
	return c.value, true, nil
}

// TTL implements store.Store.
func (m *MemStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, false, m.Fail
	}

	c, ok := m.counters[key]
	now := m.Now()
	if !ok || !c.expiresAt.After(now) {
		return 0, false, nil
	}
	return c.expiresAt.Sub(now), true, nil
}

// CooldownUntil implements store.Store.
func (m *MemStore) CooldownUntil(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return time.Time{}, false, m.Fail
	}

	if !m.cooldownSet || !m.cooldownUntil.After(m.Now()) {
		return time.Time{}, false, nil
	}
	return m.cooldownUntil, true, nil
}

// TryAcquireCooldown implements store.Store.
func (m *MemStore) TryAcquireCooldown(_ context.Context, until time.Time, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return false, m.Fail
	}

	if m.cooldownSet && m.cooldownUntil.After(m.Now()) {
		return false, nil
	}
	m.cooldownUntil = until
	m.cooldownSet = true
	return true, nil
}

// ExtendCooldown implements store.Store.
func (m *MemStore) ExtendCooldown(_ context.Context, until time.Time, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return 0, m.Fail
	}

	now := m.Now()
	if !m.cooldownSet || !m.cooldownUntil.After(now) {
		m.cooldownUntil = until
		m.cooldownSet = true
		return until.Unix() - now.Unix(), nil
	}
	if until.After(m.cooldownUntil) {
		delta := until.Unix() - m.cooldownUntil.Unix()
		m.cooldownUntil = until
		return delta, nil
	}
	return 0, nil
}

// CreateRun implements store.RunStore.
func (m *MemStore) CreateRun(_ context.Context, runID string, total int64, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}

	m.runs[runID] = &memRun{
		fields:    map[string]int64{store.FieldItemsCount: total},
		startedAt: startedAt,
	}
	m.failures[runID] = make(map[string]time.Time)
	return nil
}

// IncrField implements store.RunStore.
func (m *MemStore) IncrField(_ context.Context, runID, field string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}

	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	r.fields[field] += n
	return nil
}

// GetRun implements store.RunStore.
func (m *MemStore) GetRun(_ context.Context, runID string) (*store.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}

	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return &store.RunSnapshot{
		ItemsCount:             r.fields[store.FieldItemsCount],
		ImportedCount:          r.fields[store.FieldImportedCount],
		HitsCount:              r.fields[store.FieldHitsCount],
		SleepsCount:            r.fields[store.FieldSleepsCount],
		SleepSeconds:           r.fields[store.FieldSleepSeconds],
		PermanentlyFailedCount: r.fields[store.FieldPermanentlyFailed],
		CompletionPolls:        r.fields[store.FieldCompletionPolls],
		StartedAt:              r.startedAt,
		EndedAt:                r.endedAt,
	}, nil
}

// MarkEnded implements store.RunStore.
func (m *MemStore) MarkEnded(_ context.Context, runID string, endedAt time.Time, permanentlyFailed int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return false, m.Fail
	}

	r, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s not found", runID)
	}
	if !r.endedAt.IsZero() {
		return false, nil
	}
	r.endedAt = endedAt
	r.fields[store.FieldPermanentlyFailed] = permanentlyFailed
	return true, nil
}

// RecordFailure implements store.RunStore.
func (m *MemStore) RecordFailure(_ context.Context, runID, itemID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}

	if m.failures[runID] == nil {
		m.failures[runID] = make(map[string]time.Time)
	}
	m.failures[runID][itemID] = at
	return nil
}

// ClearFailure implements store.RunStore.
func (m *MemStore) ClearFailure(_ context.Context, runID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}

	delete(m.failures[runID], itemID)
	return nil
}

// Failures implements store.RunStore.
func (m *MemStore) Failures(_ context.Context, runID string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}

	out := make(map[string]time.Time, len(m.failures[runID]))
	for id, ts := range m.failures[runID] {
		out[id] = ts
	}
	return out, nil
}

// SetCooldown force-sets the cooldown marker, bypassing the acquire race.
func (m *MemStore) SetCooldown(until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldownUntil = until
	m.cooldownSet = true
}

// Cooldown returns the current cooldown marker for assertions.
func (m *MemStore) Cooldown() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownUntil, m.cooldownSet && m.cooldownUntil.After(m.Now())
}
