// Package lease provides a best-effort mutual exclusion per staged key so a
// window is staged, and a staged document ingested, by one writer at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another holder owns the lease.
var ErrLeaseHeld = errors.New("lease held by another worker")

// Lease is an acquired lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named leases.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

const keyPrefix = "accountscope:lease:"

// Release only deletes the key if it still carries our token, so an expired
// lease taken over by another worker is left alone.
const releaseScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// renewScript extends the key only while it still carries our token.
const renewScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`

// RedisLocker implements Locker with SET NX PX and a token-checked release.
// A held lease is renewed every third of its TTL until released.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{client: l.client, key: key, token: token, stop: stop, done: make(chan struct{})}
	go lease.keepAlive(renewCtx, l.ttl)
	return lease, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	stop   context.CancelFunc
	done   chan struct{}
}

func (r *redisLease) keepAlive(ctx context.Context, ttl time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.client.Eval(ctx, renewScript, []string{r.key}, r.token, ttl.Milliseconds()).Int()
			if err == nil && n == 0 {
				// Expired and taken over; nothing left to renew.
				return
			}
		}
	}
}

func (r *redisLease) Release(ctx context.Context) error {
	r.stop()
	<-r.done
	if err := r.client.Eval(ctx, releaseScript, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// LocalLocker grants one lease per name within this process. Used when
// Redis is disabled, so a sweep and a notification in the same loader never
// ingest one document twice. It does not coordinate separate processes.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]uint64)}
}

func (l *LocalLocker) Acquire(_ context.Context, name string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	l.seq++
	l.held[name] = l.seq
	return &localLease{locker: l, name: name, token: l.seq}, nil
}

type localLease struct {
	locker *LocalLocker
	name   string
	token  uint64
}

func (r *localLease) Release(context.Context) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	if r.locker.held[r.name] == r.token {
		delete(r.locker.held, r.name)
	}
	return nil
}
