package cooldown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var checkout = types.TargetRef{Namespace: "checkout", Name: "api"}

func newTestRegistry(cooldown time.Duration) (*Registry, *time.Time) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := NewRegistry(cooldown, 0)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestAcquireIsExclusive(t *testing.T) {
	r, _ := newTestRegistry(2 * time.Minute)
	defer r.Stop()

	require.NoError(t, r.Acquire(checkout, "inc-1"))
	err := r.Acquire(checkout, "inc-2")
	assert.ErrorIs(t, err, ErrTargetBusy)
	assert.Contains(t, err.Error(), "held by incident inc-1")

	owner, ok := r.Holder(checkout)
	assert.True(t, ok)
	assert.Equal(t, "inc-1", owner)

	other := types.TargetRef{Namespace: "checkout", Name: "worker"}
	assert.NoError(t, r.Acquire(other, "inc-2"))
}

func TestCooldownAfterRelease(t *testing.T) {
	r, now := newTestRegistry(2 * time.Minute)
	defer r.Stop()

	require.NoError(t, r.Acquire(checkout, "inc-1"))
	r.Release(checkout, "inc-1")

	_, held := r.Holder(checkout)
	assert.False(t, held)

	*now = now.Add(time.Minute)
	err := r.Acquire(checkout, "inc-2")
	assert.ErrorIs(t, err, ErrTargetBusy)
	assert.Contains(t, err.Error(), "cooling down")

	// The releasing investigation may act again on its own retry.
	assert.NoError(t, r.Acquire(checkout, "inc-1"))
	r.Release(checkout, "inc-1")

	*now = now.Add(2 * time.Minute)
	assert.NoError(t, r.Acquire(checkout, "inc-2"))
}

func TestReleaseByNonOwnerIsIgnored(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	defer r.Stop()

	require.NoError(t, r.Acquire(checkout, "inc-1"))
	r.Release(checkout, "inc-2")
	owner, ok := r.Holder(checkout)
	assert.True(t, ok)
	assert.Equal(t, "inc-1", owner)
}

func TestSweepDropsExpiredLeases(t *testing.T) {
	r, now := newTestRegistry(time.Minute)
	defer r.Stop()

	require.NoError(t, r.Acquire(checkout, "inc-1"))
	r.Release(checkout, "inc-1")
	*now = now.Add(time.Minute)
	r.sweep()

	r.mu.Lock()
	assert.Empty(t, r.leases)
	r.mu.Unlock()
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	defer r.Stop()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Acquire(checkout, string(rune('a'+i))) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStopIsIdempotent(t *testing.T) {
	r := NewRegistry(time.Minute, time.Millisecond)
	r.Stop()
	r.Stop()
}
