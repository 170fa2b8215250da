package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DrainKey guards the queue across every process sharing the Redis instance.
const DrainKey = "spartan:drain-lock"

var ErrLockHeld = errors.New("lock is already held")

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Locker is a single Redis key owned by whoever wrote value into it.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string // only the holder of value may unlock or extend
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{client: client, key: key, value: value}
}

// NewDrainLocker returns a locker on DrainKey with a random owner token.
func NewDrainLocker(client redis.UniversalClient) *Locker {
	return NewLocker(client, DrainKey, uuid.NewString())
}

// Lock tries once to take the lock for ttl.
func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// Hold takes the lock and keeps extending it every ttl/2 until the returned
// release func is called. Release unlocks with its own short timeout so it
// still works after ctx is cancelled.
func (l *Locker) Hold(ctx context.Context, ttl time.Duration) (func(), error) {
	if err := l.Lock(ctx, ttl); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.ExtendLock(ctx, ttl); err != nil {
					logrus.WithError(err).WithField("key", l.key).Warn("failed to extend lock")
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Unlock(unlockCtx); err != nil {
			logrus.WithError(err).WithField("key", l.key).Warn("failed to release lock")
		}
	}, nil
}
