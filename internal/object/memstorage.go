package object

import (
	"errors"
	"sync"
	"sync/atomic"
)

// MemStorage is the default Storage: objects live on the Go heap, with a
// byte budget enforced per pool so a persistently-full cache pool behaves
// like spec.md §4.8's "persistent failure" path instead of growing
// without bound. Shape is grounded on the teacher's in-memory fallback
// stores (internal/protocol/session.go's InMemorySessionStore): a mutex
// plus a map, no cleverness.
type MemStorage struct {
	mu sync.Mutex

	cacheBudget     int64
	transientBudget int64
	cacheUsed       atomic.Int64
	transientUsed   atomic.Int64

	live map[*Object]StorageHint
}

// NewMemStorage creates a MemStorage with the given byte budgets. A
// budget of 0 means unbounded.
func NewMemStorage(cacheBudget, transientBudget int64) *MemStorage {
	return &MemStorage{
		cacheBudget:     cacheBudget,
		transientBudget: transientBudget,
		live:            make(map[*Object]StorageHint),
	}
}

var ErrStorageFull = errors.New("object: storage pool exhausted")

func (m *MemStorage) NewObject(hint StorageHint, sizeHint int, nHeaders int) (*Object, error) {
	cost := int64(sizeHint) + int64(nHeaders)*64
	if cost < 256 {
		cost = 256
	}

	switch hint {
	case StorageTransient:
		if m.transientBudget > 0 && m.transientUsed.Add(cost) > m.transientBudget {
			m.transientUsed.Add(-cost)
			return nil, ErrStorageFull
		}
	default:
		if m.cacheBudget > 0 && m.cacheUsed.Add(cost) > m.cacheBudget {
			m.cacheUsed.Add(-cost)
			return nil, ErrStorageFull
		}
	}

	o := NewObject()
	m.mu.Lock()
	m.live[o] = hint
	m.mu.Unlock()
	return o, nil
}

func (m *MemStorage) Destroy(o *Object) {
	m.mu.Lock()
	hint, ok := m.live[o]
	if ok {
		delete(m.live, o)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cost := int64(len(o.Body)) + int64(len(o.Header))*64
	if cost < 256 {
		cost = 256
	}
	switch hint {
	case StorageTransient:
		m.transientUsed.Add(-cost)
	default:
		m.cacheUsed.Add(-cost)
	}
}
