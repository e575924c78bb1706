package store

import (
	"context"
	"sort"
	"sync"

	"copilotmesh/internal/proto"
)

// MemoryStore keeps fixes and acceleration samples ordered by epochMs.
// epochMs is the natural key: adding a fix for an existing timestamp
// replaces it.
type MemoryStore struct {
	mu    sync.RWMutex
	locs  []proto.LocationSegment
	accel []proto.AccelerationSample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AddLocations(_ context.Context, segs []proto.LocationSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range segs {
		m.locs = upsertSorted(m.locs, s, func(x proto.LocationSegment) float64 { return x.EpochMs })
	}
	return nil
}

func (m *MemoryStore) Locations(_ context.Context, iv proto.Interval) ([]proto.LocationSegment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return window(m.locs, iv, func(x proto.LocationSegment) float64 { return x.EpochMs }), nil
}

func (m *MemoryStore) AddAcceleration(_ context.Context, samples []proto.AccelerationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		m.accel = upsertSorted(m.accel, s, func(x proto.AccelerationSample) float64 { return x.EpochMs })
	}
	return nil
}

func (m *MemoryStore) Acceleration(_ context.Context, iv proto.Interval) ([]proto.AccelerationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return window(m.accel, iv, func(x proto.AccelerationSample) float64 { return x.EpochMs }), nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locs)
}

func upsertSorted[T any](list []T, v T, key func(T) float64) []T {
	k := key(v)
	i := sort.Search(len(list), func(i int) bool { return key(list[i]) >= k })
	if i < len(list) && key(list[i]) == k {
		list[i] = v
		return list
	}
	var zero T
	list = append(list, zero)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

// window returns a copy of the entries inside the closed millisecond
// bounds of iv.
func window[T any](list []T, iv proto.Interval, key func(T) float64) []T {
	lo, hi := iv.Millis()
	start := sort.Search(len(list), func(i int) bool { return key(list[i]) >= float64(lo) })
	end := sort.Search(len(list), func(i int) bool { return key(list[i]) > float64(hi) })
	out := make([]T, 0, end-start)
	if end > start {
		out = append(out, list[start:end]...)
	}
	return out
}
