// =============================================================================
// IN-MEMORY ACCEPTOR STORAGE
// =============================================================================
//
// A ring of AcceptorInstance slots guarded by a RWMutex. The acceptor role
// itself is single threaded; the lock is there so status readers outside
// the dispatch loop see whole records.
//
// Values are copied on the way in and out so callers can never alias the
// stored bytes.
//
// =============================================================================

package storage

import "sync"

type MemoryStorage struct {
	slots []AcceptorInstance
	mu    sync.RWMutex
}

func NewMemoryStorage(size int) *MemoryStorage {
	if size <= 0 {
		size = 1
	}
	m := &MemoryStorage{slots: make([]AcceptorInstance, size)}
	m.Clear()
	return m
}

func (m *MemoryStorage) index(instanceID int64) int {
	n := int64(len(m.slots))
	i := instanceID % n
	if i < 0 {
		i += n
	}
	return int(i)
}

func (m *MemoryStorage) Get(instanceID int64) AcceptorInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.slots[m.index(instanceID)]
	s.Value = copyBytes(s.Value)
	return s
}

func (m *MemoryStorage) Put(instance AcceptorInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance.Value = copyBytes(instance.Value)
	m.slots[m.index(instance.InstanceID)] = instance
}

func (m *MemoryStorage) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		m.slots[i].Reset(NoInstance)
	}
}

func (m *MemoryStorage) Size() int {
	return len(m.slots)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
