package lock

import (
	"sync"

	"github.com/gammazero/deque"
)

// Owner identifies a lock holder. The zero value means "no owner".
type Owner = uint64

type entry struct {
	owner   Owner
	depth   int
	waiters deque.Deque[Owner]
}

// Manager grants exclusive, reentrant locks on string resource keys.
// Contested acquisitions never block: the caller is queued and later handed
// the key by Release, in the order the waiters first asked for it.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewManager creates an empty lock manager
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// TryAcquire grants key to owner if it is free or already held by owner.
// Otherwise owner is appended to the key's wait queue (once) and false is
// returned; the owner becomes holder when a later Release hands it over.
func (m *Manager) TryAcquire(key string, owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		m.locks[key] = &entry{owner: owner, depth: 1}
		return true
	}
	if e.owner == owner {
		e.depth++
		return true
	}
	if e.waiters.Index(func(w Owner) bool { return w == owner }) < 0 {
		e.waiters.PushBack(owner)
	}
	return false
}

// Release gives up one hold of key by owner. When the last hold is released
// the key passes to the oldest waiter, which is returned with granted=true.
// Releasing a key owner does not hold is a no-op.
func (m *Manager) Release(key string, owner Owner) (next Owner, granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok || e.owner != owner {
		return 0, false
	}
	if e.depth--; e.depth > 0 {
		return 0, false
	}
	if e.waiters.Len() == 0 {
		delete(m.locks, key)
		return 0, false
	}
	e.owner = e.waiters.PopFront()
	e.depth = 1
	return e.owner, true
}

// Cancel removes owner from the wait queue of key without granting it
func (m *Manager) Cancel(key string, owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		return
	}
	if i := e.waiters.Index(func(w Owner) bool { return w == owner }); i >= 0 {
		e.waiters.Remove(i)
	}
}

// Owner returns the current holder of key, or 0
func (m *Manager) Owner(key string) Owner {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[key]; ok {
		return e.owner
	}
	return 0
}

// Waiters returns the queued owners for key, oldest first
func (m *Manager) Waiters(key string) []Owner {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		return nil
	}
	out := make([]Owner, 0, e.waiters.Len())
	for w := range e.waiters.Iter() {
		out = append(out, w)
	}
	return out
}

// WaitingCount returns the number of queued owners across all keys
func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.locks {
		n += e.waiters.Len()
	}
	return n
}

// Reset drops every lock and wait queue
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = make(map[string]*entry)
}
