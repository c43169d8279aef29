package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// PageAuthFlag is the cooperative, non-reentrant mutex over page input.
// It mirrors the busy-waited boolean of the page-auth protocol: an
// acquirer polls at 0.5-1 s intervals until the flag clears, so a
// navigation handler can never race the foreground task's keystrokes.
type PageAuthFlag struct {
	mu   sync.Mutex
	held bool
}

// NewPageAuthFlag returns a cleared flag.
func NewPageAuthFlag() *PageAuthFlag {
	return &PageAuthFlag{}
}

// Lock acquires the flag, polling until it is clear or the context ends.
func (f *PageAuthFlag) Lock(ctx context.Context) error {
	for {
		f.mu.Lock()
		if !f.held {
			f.held = true
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()

		wait := 500*time.Millisecond + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryLock acquires the flag only if it is immediately free.
func (f *PageAuthFlag) TryLock() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return false
	}
	f.held = true
	return true
}

// Unlock clears the flag. Callers release on every exit path of their
// critical section.
func (f *PageAuthFlag) Unlock() {
	f.mu.Lock()
	f.held = false
	f.mu.Unlock()
}

// Held reports the flag state at the instant of the call.
func (f *PageAuthFlag) Held() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}
