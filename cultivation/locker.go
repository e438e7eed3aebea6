package cultivation

import (
	"context"
	"sync"
)

// Locker serializes critical sections across callers that share a key.
// It is held around a whole WithTx call, so two propagation requests for the
// same site never read the ledger concurrently within one process.
// lock/redislock provides a cross-process implementation.
type Locker interface {
	// Lock blocks until key is held or ctx is done. A lock that could not be
	// obtained in time returns an error wrapping ErrConcurrencyConflict.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker with one mutex per key. Waiters queue
// in the order the runtime schedules them; idle keys are released.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (k *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedLocker) release(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// chainLocker takes every wrapped lock in order and releases in reverse.
type chainLocker []Locker

// ChainLockers composes lockers, e.g. a local KeyedLocker in front of a
// distributed lock so only one goroutine per process contends remotely.
func ChainLockers(lockers ...Locker) Locker { return chainLocker(lockers) }

func (c chainLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		u, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return releaseAll, nil
}
