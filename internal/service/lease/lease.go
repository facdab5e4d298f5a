package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/pkg/logger"
)

// ErrLost is returned by Hold when another process took over the lease.
var ErrLost = errors.New("lease lost")

var renewScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
if redis.call('GET', key) == owner then
  redis.call('PEXPIRE', key, ttl)
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
if redis.call('GET', key) == owner then
  return redis.call('DEL', key)
end
return 0
`)

// Lease is a cluster-wide exclusive lease kept in Redis. Only the holder
// runs recovery, the scheduler loop and dispatch executors.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
	retry  time.Duration
	logger *logger.Logger
}

// New constructs a lease for owner.
func New(client *redis.Client, key, owner string, ttl, retry time.Duration, log *logger.Logger) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Lease{client: client, key: key, owner: owner, ttl: ttl, retry: retry, logger: log}
}

// TryAcquire attempts to take the lease once.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	return ok, nil
}

// Acquire blocks until the lease is taken or ctx is done.
func (l *Lease) Acquire(ctx context.Context) error {
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			l.logger.Warn("lease: acquire attempt failed", zap.Error(err))
		}
		if ok {
			l.logger.Info("lease: acquired", zap.String("key", l.key), zap.String("owner", l.owner))
			return nil
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Renew extends the lease if it is still owned.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	return res == 1, nil
}

// Release drops the lease if it is still owned.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// Hold keeps renewing the lease until ctx is done, then releases it. It
// returns ErrLost if ownership cannot be confirmed before the ttl elapses.
func (l *Lease) Hold(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				l.logger.Warn("lease: release failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			ok, err := l.Renew(ctx)
			switch {
			case err != nil:
				l.logger.Warn("lease: renew failed", zap.Error(err))
				if time.Since(lastRenewed) >= l.ttl {
					return ErrLost
				}
			case !ok:
				return ErrLost
			default:
				lastRenewed = time.Now()
			}
		}
	}
}
