package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Locker for single-instance deployments and
// tests. The ttl is ignored: an in-process lease cannot outlive its holder.
type Memory struct {
	mu     sync.Mutex
	leases map[string]struct{}
}

// NewMemory returns an empty in-memory Locker
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]struct{}),
	}
}

func (m *Memory) AcquireBillingLock(ctx context.Context, subscriptionID string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.leases[subscriptionID]; held {
		return nil, false, nil
	}
	m.leases[subscriptionID] = struct{}{}
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.leases, subscriptionID)
	}
	return release, true, nil
}
