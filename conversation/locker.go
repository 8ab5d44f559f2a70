/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/chainguard-dev/clog"
)

const (
	defaultMaxAttempts = 10
	defaultBackoff     = 250 * time.Millisecond
	defaultStaleAfter  = 5 * time.Minute
)

// Locker serializes logical updates to a conversation record through the
// advisory lock protocol. Different record ids proceed fully in parallel;
// the same id is serialized by the lock flag and version-checked writes.
type Locker struct {
	store       Store
	maxAttempts int
	backoff     time.Duration
	staleAfter  time.Duration

	// now is swapped out by tests.
	now func() time.Time
}

// LockerOption adjusts Locker behavior.
type LockerOption func(*Locker)

// WithMaxAttempts caps acquisition retries.
func WithMaxAttempts(n int) LockerOption {
	return func(l *Locker) {
		l.maxAttempts = n
	}
}

// WithBackoff sets the fixed sleep between retries.
func WithBackoff(d time.Duration) LockerOption {
	return func(l *Locker) {
		l.backoff = d
	}
}

// WithStaleAfter sets the age past which a held lock is treated as
// abandoned and stolen. Zero disables stealing.
func WithStaleAfter(d time.Duration) LockerOption {
	return func(l *Locker) {
		l.staleAfter = d
	}
}

// NewLocker constructs a Locker over the given store.
func NewLocker(store Store, opts ...LockerOption) *Locker {
	l := &Locker{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		staleAfter:  defaultStaleAfter,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// UpdateWithLock applies mutate to the record under the advisory lock,
// retrying contention and version conflicts up to the attempt budget.
// Returns true only when the mutation was persisted; false means no
// partial mutation was applied. A missing record fails immediately.
//
// mutate runs against an in-memory copy and must not perform I/O.
func (l *Locker) UpdateWithLock(ctx context.Context, id string, mutate func(*Record)) bool {
	log := clog.FromContext(ctx).With("conversation_id", id)

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		rec, err := l.store.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				log.Warnf("Conversation does not exist, giving up: %v", err)
				return false
			}
			log.With("attempt", attempt).Warnf("Fetching conversation failed: %v", err)
			if !l.sleep(ctx) {
				return false
			}
			continue
		}

		if rec.Locked && !l.stale(rec) {
			log.With("attempt", attempt).Debug("Conversation locked, backing off")
			if !l.sleep(ctx) {
				return false
			}
			continue
		}
		if rec.Locked {
			log.With("locked_at", rec.LockedAt).Warn("Stealing stale conversation lock")
		}

		rec.Locked = true
		rec.LockedAt = l.now()
		locked, err := l.store.Update(ctx, rec)
		if err != nil {
			log.With("attempt", attempt).Debugf("Lock acquisition lost the race: %v", err)
			if !l.sleep(ctx) {
				return false
			}
			continue
		}

		locked.Locked = false
		locked.LockedAt = time.Time{}
		mutate(locked)
		if _, err := l.store.Update(ctx, locked); err != nil {
			log.Warnf("Final write under lock failed, releasing: %v", err)
			l.releaseBestEffort(ctx, id)
			return false
		}
		return true
	}

	log.With("max_attempts", l.maxAttempts).Warn("Exhausted lock attempts")
	return false
}

func (l *Locker) stale(rec *Record) bool {
	if l.staleAfter <= 0 || rec.LockedAt.IsZero() {
		return false
	}
	return l.now().Sub(rec.LockedAt) > l.staleAfter
}

// releaseBestEffort clears a lock this locker set but failed to clear on
// the mutation write. Errors are logged and dropped; the staleness
// timeout is the backstop.
func (l *Locker) releaseBestEffort(ctx context.Context, id string) {
	rec, err := l.store.GetByID(ctx, id)
	if err != nil || !rec.Locked {
		return
	}
	rec.Locked = false
	rec.LockedAt = time.Time{}
	if _, err := l.store.Update(ctx, rec); err != nil {
		clog.FromContext(ctx).With("conversation_id", id).
			Warnf("Best-effort unlock failed, lock will age out: %v", err)
	}
}

// sleep waits one backoff interval, returning false when ctx ends first.
func (l *Locker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.backoff):
		return true
	}
}
