package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only if it still carries our token, so an
// expired lease re-acquired by another worker is never released by us
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// Manager hands out per-subscription billing leases backed by Redis. The
// lease survives across processes, which makes a manually triggered cycle
// safe against the scheduled one even when the scheduler is ever scaled out.
type Manager struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewManager returns a new Manager for billing leases
func NewManager(logger *zap.Logger, client redis.UniversalClient) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if client == nil {
		return nil, fmt.Errorf("nil Redis client is invalid")
	}
	return &Manager{
		client: client,
		logger: logger,
	}, nil
}

func leaseKey(subscriptionID string) string {
	return "billing:lease:" + subscriptionID
}

// AcquireBillingLock attempts to take the billing lease for a subscription.
// When acquired, the returned release function must be called after the
// billing attempt settled; the ttl only bounds leaks from crashed workers.
func (m *Manager) AcquireBillingLock(ctx context.Context, subscriptionID string, ttl time.Duration) (func(), bool, error) {
	if len(subscriptionID) == 0 {
		return nil, false, fmt.Errorf("empty subscriptionID is invalid")
	}
	key := leaseKey(subscriptionID)
	token := shortuuid.New()

	acquired, err := m.client.SetNX(key, token, ttl).Result()
	if err != nil {
		return nil, false, extErrors.Wrap(err, "Cannot acquire billing lease")
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		if err := m.client.Eval(releaseScript, []string{key}, token).Err(); err != nil && err != redis.Nil {
			m.logger.Error("Cannot release billing lease",
				zap.String("SubscriptionID", subscriptionID),
				zap.Error(err),
			)
		}
	}
	return release, true, nil
}
