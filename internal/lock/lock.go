// Package lock provides the short-lived keyed mutual exclusion that guards
// appends to a folder's error log.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock could not be taken within the wait.
var ErrTimeout = errors.New("lock: wait timed out")

// Locker takes the lock for key, waiting at most wait. The returned func
// releases it and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string, wait time.Duration) (unlock func(), err error)
}

// Local serializes holders of the same key within one process.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: map[string]chan struct{}{}}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *Local) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	ch := l.slot(key)
	var once sync.Once
	release := func() { once.Do(func() { <-ch }) }

	// A free slot wins over an already cancelled context.
	select {
	case ch <- struct{}{}:
		return release, nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ Locker = (*Local)(nil)
