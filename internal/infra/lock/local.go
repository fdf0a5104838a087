package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/port"
)

// LocalLocker is a port.Locker for single-process deployments.
// Held keys expire after their ttl like the Redis variant.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the clock used to expire leases.
func (l *LocalLocker) WithClock(now func() time.Time) *LocalLocker {
	l.now = now
	return l
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (port.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}

	until := now.Add(ttl)
	l.held[key] = until
	return &localLease{locker: l, key: key, ttl: ttl, until: until}, true, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	ttl    time.Duration

	// guarded by locker.mu
	until    time.Time
	released bool
}

// owned reports whether the map entry is still this lease's. Callers hold locker.mu.
func (le *localLease) owned() bool {
	until, ok := le.locker.held[le.key]
	return ok && !le.released && until.Equal(le.until)
}

func (le *localLease) Extend(context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()

	now := le.locker.now()
	if !le.owned() || !now.Before(le.until) {
		return fmt.Errorf("lock %s was lost before it could be extended", le.key)
	}
	le.until = now.Add(le.ttl)
	le.locker.held[le.key] = le.until
	return nil
}

func (le *localLease) Unlock(context.Context) error {
	le.locker.mu.Lock()
	defer le.locker.mu.Unlock()

	// Do not drop a lease that expired and was re-acquired by someone else.
	if le.owned() {
		delete(le.locker.held, le.key)
	}
	le.released = true
	return nil
}
