// Package limiter enforces the per-license hourly API budget
// (limits.api_rate_limit_per_hour) on validation and heartbeat traffic.
// Buckets refill continuously, so a license never loses budget it did not
// spend, and a fresh key starts with its full hourly allowance.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is the per-key allowance. PerHour < 0 means unlimited.
type Policy struct {
	PerHour int
}

// Store abstracts the bucket storage: in-process for single-node
// deployments, Redis when several issuer replicas share state.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// Check applies the policy. A nil store or a negative allowance disables
// limiting for the key.
func Check(ctx context.Context, store Store, key string, policy Policy) (bool, error) {
	if store == nil || policy.PerHour < 0 {
		return true, nil
	}
	if policy.PerHour == 0 {
		return false, nil
	}
	return store.Allow(ctx, key, policy, 1)
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps buckets in-process. Burst equals the hourly allowance,
// so an idle license can spend its whole budget at once, matching how the
// certificate field is documented to customers. A janitor drops buckets
// idle for more than two refill horizons.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{
			lim: rate.NewLimiter(rate.Limit(float64(policy.PerHour)/3600.0), policy.PerHour),
		}
		s.entries[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	return e.lim.AllowN(now, cost), nil
}

func (s *MemoryStore) janitor() {
	for {
		time.Sleep(10 * time.Minute)

		cutoff := s.now().Add(-2 * time.Hour)
		s.mu.Lock()
		for key, e := range s.entries {
			if e.lastSeen.Before(cutoff) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}
