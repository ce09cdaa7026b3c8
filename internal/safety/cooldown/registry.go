// Package cooldown serialises remediation per deployment target across
// concurrent investigations. An investigation leases a target before it
// dispatches an action; once released, the target stays closed to other
// investigations until the cooldown has elapsed.
package cooldown

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// ErrTargetBusy is returned when another investigation holds the target or
// its post-action cooldown has not elapsed.
var ErrTargetBusy = errors.New("target is busy")

type lease struct {
	owner      string
	acquiredAt time.Time
	releasedAt time.Time // zero while held
}

func (l *lease) held() bool { return l.releasedAt.IsZero() }

// Registry is the process-wide lease table.
type Registry struct {
	mu            sync.Mutex
	leases        map[string]*lease
	cooldown      time.Duration
	now           func() time.Time
	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

// NewRegistry creates a registry. Expired entries are swept every
// cleanupEvery; a non-positive value disables the sweeper.
func NewRegistry(cooldown, cleanupEvery time.Duration) *Registry {
	r := &Registry{
		leases:   make(map[string]*lease),
		cooldown: cooldown,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if cleanupEvery > 0 {
		r.cleanupTicker = time.NewTicker(cleanupEvery)
		go r.cleanup()
	}
	return r
}

// Acquire leases target for owner. The same owner may re-acquire a target it
// held, including during its own cooldown.
func (r *Registry) Acquire(target types.TargetRef, owner string) error {
	key := target.Key()
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if l, ok := r.leases[key]; ok && l.owner != owner {
		if l.held() {
			return fmt.Errorf("%w: %s is held by incident %s", ErrTargetBusy, key, l.owner)
		}
		if remaining := r.cooldown - now.Sub(l.releasedAt); remaining > 0 {
			return fmt.Errorf("%w: %s is cooling down for %s after incident %s",
				ErrTargetBusy, key, remaining.Round(time.Second), l.owner)
		}
	}
	r.leases[key] = &lease{owner: owner, acquiredAt: now}
	return nil
}

// Release ends owner's lease on target and starts its cooldown. Releasing a
// lease held by someone else is a no-op.
func (r *Registry) Release(target types.TargetRef, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[target.Key()]; ok && l.owner == owner && l.held() {
		l.releasedAt = r.now()
	}
}

// Holder returns the owner currently holding target, if any.
func (r *Registry) Holder(target types.TargetRef) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[target.Key()]; ok && l.held() {
		return l.owner, true
	}
	return "", false
}

// sweep removes released leases whose cooldown has elapsed.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, l := range r.leases {
		if !l.held() && now.Sub(l.releasedAt) >= r.cooldown {
			delete(r.leases, key)
		}
	}
}

func (r *Registry) cleanup() {
	for {
		select {
		case <-r.cleanupTicker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

// Stop stops the cleanup sweeper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.cleanupTicker != nil {
			r.cleanupTicker.Stop()
		}
		close(r.done)
	})
}
