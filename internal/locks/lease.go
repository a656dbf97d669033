package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease extends document exclusion across instances via a Redis SET NX key
// with a TTL. It is meant to sit behind Keyed in a Chain, so contention here
// only happens between separate processes.
type Lease struct {
	client      *redis.Client
	ttl         time.Duration
	timeout     time.Duration
	retryPeriod time.Duration
}

// NewLease constructs a Lease guard. The TTL bounds how long a crashed holder
// can block other instances; timeout bounds acquisition waits.
func NewLease(client *redis.Client, ttl, timeout time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Lease{client: client, ttl: ttl, timeout: timeout, retryPeriod: 50 * time.Millisecond}
}

// Acquire takes the lease, polling until the timeout elapses.
func (l *Lease) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locks: lease not configured")
	}
	token := uuid.NewString()
	deadline := time.NewTimer(l.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.retryPeriod)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: lease %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("locks: lease %s: %w", key, ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("locks: lease %s: %w", key, ErrLockTimeout)
		case <-ticker.C:
		}
	}
}
