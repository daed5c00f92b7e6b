package redisstore

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "claimdesk:lock:"

// only the holder of the token may release the key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// only the holder of the token may extend the key
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is a cross-process keyed lock. The TTL bounds how long a crashed
// holder can block a claim; a live holder keeps extending it until unlock.
type Locker struct {
	rdb  *redis.Client
	ttl  time.Duration
	poll time.Duration
}

func NewLocker(s *Store, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &Locker{rdb: s.rdb, ttl: ttl, poll: 50 * time.Millisecond}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := lockPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return func() {}, ctxErr
			}
			return func() {}, err
		}
		if ok {
			break
		}

		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return func() {}, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	go keepAlive(stop, l.ttl/3, func() (bool, error) {
		rctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		defer cancel()
		n, err := extendScript.Run(rctx, l.rdb, []string{k}, token, l.ttl.Milliseconds()).Int64()
		return n == 1, err
	}, key)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// release even if the caller's ctx is already done
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.rdb, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				log.Printf("[Lock] release failed key=%s err=%v", key, err)
			}
		})
	}, nil
}

// keepAlive calls extend every interval until stop is closed or extend
// reports the lock is no longer held. A failed call is retried on the next
// tick.
func keepAlive(stop <-chan struct{}, every time.Duration, extend func() (bool, error), key string) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		held, err := extend()
		if err != nil {
			log.Printf("[Lock] extend failed key=%s err=%v", key, err)
			continue
		}
		if !held {
			log.Printf("[Lock] lost key=%s", key)
			return
		}
	}
}
