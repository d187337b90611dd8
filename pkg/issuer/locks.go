package issuer

import "sync"

// keyedMutex serializes work per customer. Quota checks and certificate
// read-modify-write cycles for one customer must not interleave; different
// customers never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the mutex for key and returns its release func. Entries
// live for the engine's lifetime; the population is bounded by the number
// of customers.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
