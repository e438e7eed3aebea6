/*
Package redislock provides a cultivation.Locker shared by every process that
talks to the same Redis.

PURPOSE:
  The in-process KeyedLocker only serializes goroutines of one binary. When
  several replicas share a SQLite file over a network volume, or a Postgres
  deployment wants to keep lock waits out of the database, the quota
  governor can hold this lock around its transaction instead.

PROTOCOL:
  Lock:   SET <prefix><key> <token> NX PX <ttl>, polled until acquired
  Unlock: delete the key only if it still holds our token (Lua)

  The TTL is a lease: a crashed holder loses the lock after ttl. It must be
  longer than the slowest transaction the lock guards.

FAILURE:
  Waiting longer than WaitTimeout (or until ctx is done) returns an error
  wrapping cultivation.ErrConcurrencyConflict, which the governor retries.
  A failed release is logged at warn; the key then lives until its TTL.
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/cultivation-engine/cultivation"
)

// release deletes the key only when it still carries the caller's token.
var release = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	Prefix       string
	TTL          time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	// Log receives release failures. The zero value discards them.
	Log zerolog.Logger
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "cultivation:lock:"
	}
	if o.TTL <= 0 {
		o.TTL = 10 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 25 * time.Millisecond
	}
}

// Locker implements cultivation.Locker on Redis.
type Locker struct {
	rdb  goredis.UniversalClient
	opts Options
}

var _ cultivation.Locker = (*Locker)(nil)

func New(rdb goredis.UniversalClient, opts Options) *Locker {
	opts.defaults()
	return &Locker{rdb: rdb, opts: opts}
}

// Lock blocks until key is held, WaitTimeout passes, or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.opts.Prefix + key
	token := cultivation.NewID()

	waitCtx, cancel := context.WithTimeout(ctx, l.opts.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(waitCtx, name, token, l.opts.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(name, token), nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("redis lock %s: waited %s: %w", key, l.opts.WaitTimeout, cultivation.ErrConcurrencyConflict)
		}
	}
}

func (l *Locker) unlocker(name, token string) func() {
	return func() {
		// The caller's context may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := release.Run(ctx, l.rdb, []string{name}, token).Err(); err != nil {
			l.opts.Log.Warn().Err(err).
				Str("key", name).
				Dur("ttl", l.opts.TTL).
				Msg("redis lock release failed; held until ttl expires")
		}
	}
}
