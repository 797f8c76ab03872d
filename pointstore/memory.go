package pointstore

import (
	"context"
	"sort"
	"sync"

	"github.com/c360/pointflow/point"
)

// fieldMap is the value container of one source. Its mutex is the per-entity lock.
type fieldMap struct {
	mu     sync.RWMutex
	fields map[string]point.Value
}

// MemoryBackend keeps points in process memory
type MemoryBackend struct {
	mu      sync.RWMutex
	sources map[string]*fieldMap

	linkMu sync.RWMutex
	links  map[point.Key]point.Key
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sources: make(map[string]*fieldMap),
		links:   make(map[point.Key]point.Key),
	}
}

func (m *MemoryBackend) source(src string, create bool) *fieldMap {
	m.mu.RLock()
	fm := m.sources[src]
	m.mu.RUnlock()
	if fm != nil || !create {
		return fm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fm = m.sources[src]; fm == nil {
		fm = &fieldMap{fields: make(map[string]point.Value)}
		m.sources[src] = fm
	}
	return fm
}

// Write implements Backend
func (m *MemoryBackend) Write(_ context.Context, key point.Key, v point.Value) (*point.Value, error) {
	fm := m.source(key.Source(), true)

	fm.mu.Lock()
	old, existed := fm.fields[key.Field]
	fm.fields[key.Field] = v
	fm.mu.Unlock()

	if !existed {
		return nil, nil
	}
	return &old, nil
}

// Read implements Backend
func (m *MemoryBackend) Read(_ context.Context, key point.Key) (*point.Value, error) {
	fm := m.source(key.Source(), false)
	if fm == nil {
		return nil, nil
	}

	fm.mu.RLock()
	v, ok := fm.fields[key.Field]
	fm.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// ReadMany implements Backend
func (m *MemoryBackend) ReadMany(ctx context.Context, keys []point.Key) ([]*point.Value, error) {
	out := make([]*point.Value, len(keys))
	for i, k := range keys {
		v, _ := m.Read(ctx, k)
		out[i] = v
	}
	return out, nil
}

// Scan implements Backend. Sources are visited in sorted order.
func (m *MemoryBackend) Scan(_ context.Context, p point.Pattern) ([]Entry, error) {
	m.mu.RLock()
	srcs := make([]string, 0, len(m.sources))
	for src := range m.sources {
		srcs = append(srcs, src)
	}
	m.mu.RUnlock()
	sort.Strings(srcs)

	var out []Entry
	for _, src := range srcs {
		fm := m.source(src, false)
		fm.mu.RLock()
		for field, v := range fm.fields {
			k, err := point.ParseKey(src + point.Separator + field)
			if err != nil || !p.Matches(k) {
				continue
			}
			out = append(out, Entry{Key: k, Value: v})
		}
		fm.mu.RUnlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// SetLink implements Backend
func (m *MemoryBackend) SetLink(_ context.Context, target, source point.Key) error {
	m.linkMu.Lock()
	m.links[target] = source
	m.linkMu.Unlock()
	return nil
}

// GetLink implements Backend
func (m *MemoryBackend) GetLink(_ context.Context, target point.Key) (*point.Key, error) {
	m.linkMu.RLock()
	src, ok := m.links[target]
	m.linkMu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &src, nil
}

// Ping implements Backend
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close implements Backend
func (m *MemoryBackend) Close() error { return nil }
