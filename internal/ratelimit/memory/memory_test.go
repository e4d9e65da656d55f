package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetia/kinagate/internal/ratelimit"
)

func newTestLimiter(t *testing.T, opts ...Option) *Limiter {
	t.Helper()
	l := New(append([]Option{WithSweepInterval(0)}, opts...)...)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func allow(t *testing.T, l *Limiter, key string, p ratelimit.Policy, now time.Time) ratelimit.Decision {
	t.Helper()
	dec, err := l.Allow(context.Background(), key, p, now)
	require.NoError(t, err)
	return dec
}

func TestAllow_NthAllowedNPlusOneDenied(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{MaxRequests: 3, Window: time.Minute}
	base := time.Unix(1_700_000_000, 0)

	// uneven spacing, all inside one window
	offsets := []time.Duration{0, 10 * time.Second, 59 * time.Second}
	for i, off := range offsets {
		dec := allow(t, l, "chat:1.2.3.4", p, base.Add(off))
		require.True(t, dec.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3, dec.Limit)
		assert.Equal(t, 3-(i+1), dec.Remaining)
	}

	dec := allow(t, l, "chat:1.2.3.4", p, base.Add(59*time.Second+500*time.Millisecond))
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)
	assert.Equal(t, 500*time.Millisecond, dec.RetryAfter)
	assert.Equal(t, base.Add(time.Minute), dec.Reset)
}

func TestAllow_RetryAfterIsExact(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{MaxRequests: 2, Window: 10 * time.Second}
	base := time.Unix(1_700_000_000, 0)

	require.True(t, allow(t, l, "k", p, base).Allowed)
	require.True(t, allow(t, l, "k", p, base.Add(3*time.Second)).Allowed)

	denied := allow(t, l, "k", p, base.Add(4*time.Second))
	require.False(t, denied.Allowed)
	require.Equal(t, 6*time.Second, denied.RetryAfter)

	// one tick early is still denied
	early := allow(t, l, "k", p, base.Add(4*time.Second+denied.RetryAfter-time.Millisecond))
	assert.False(t, early.Allowed)

	onTime := allow(t, l, "k", p, base.Add(4*time.Second+denied.RetryAfter))
	assert.True(t, onTime.Allowed)
}

func TestAllow_SlidingNotFixedBucket(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{MaxRequests: 2, Window: time.Minute}
	base := time.Unix(1_700_000_000, 0)

	// two requests at the tail of one minute
	require.True(t, allow(t, l, "k", p, base.Add(58*time.Second)).Allowed)
	require.True(t, allow(t, l, "k", p, base.Add(59*time.Second)).Allowed)

	// a fixed bucket would reset at base+60s; a sliding log must not
	assert.False(t, allow(t, l, "k", p, base.Add(61*time.Second)).Allowed)
	assert.False(t, allow(t, l, "k", p, base.Add(117*time.Second)).Allowed)
	assert.True(t, allow(t, l, "k", p, base.Add(118*time.Second)).Allowed)
}

func TestAllow_DeniedRequestsAreNotRecorded(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{MaxRequests: 1, Window: 10 * time.Second}
	base := time.Unix(1_700_000_000, 0)

	require.True(t, allow(t, l, "k", p, base).Allowed)
	for i := 1; i < 10; i++ {
		require.False(t, allow(t, l, "k", p, base.Add(time.Duration(i)*time.Second)).Allowed)
	}
	assert.True(t, allow(t, l, "k", p, base.Add(10*time.Second)).Allowed)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{MaxRequests: 1, Window: time.Minute}
	now := time.Now()

	assert.True(t, allow(t, l, "contact:10.0.0.1", p, now).Allowed)
	assert.True(t, allow(t, l, "contact:10.0.0.2", p, now).Allowed)
	assert.True(t, allow(t, l, "demo:10.0.0.1", p, now).Allowed)
	assert.False(t, allow(t, l, "contact:10.0.0.1", p, now).Allowed)
	assert.Equal(t, 3, l.Len())
}

func TestAllow_RejectsBadInput(t *testing.T) {
	l := newTestLimiter(t)
	now := time.Now()

	_, err := l.Allow(context.Background(), "", ratelimit.Policy{MaxRequests: 1, Window: time.Second}, now)
	assert.ErrorIs(t, err, ratelimit.ErrEmptyKey)

	_, err = l.Allow(context.Background(), "k", ratelimit.Policy{MaxRequests: 0, Window: time.Second}, now)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)

	_, err = l.Allow(context.Background(), "k", ratelimit.Policy{MaxRequests: 1}, now)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)

	assert.Equal(t, 0, l.Len())
}

func TestAllow_ConcurrentChecksNeverOverAdmit(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{MaxRequests: 50, Window: time.Minute}
	now := time.Now()

	const total = 200
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Allow(context.Background(), "chat:shared", p, now)
			if err == nil && dec.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
	assert.False(t, allow(t, l, "chat:shared", p, now).Allowed)
}

func TestAllow_ConcurrentWithSweepLosesNothing(t *testing.T) {
	l := newTestLimiter(t)
	p := ratelimit.Policy{MaxRequests: 40, Window: time.Hour}
	now := time.Now()

	stop := make(chan struct{})
	sweeps := make(chan struct{})
	go func() {
		defer close(sweeps)
		for {
			select {
			case <-stop:
				return
			default:
				l.Sweep(now)
			}
		}
	}()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := l.Allow(context.Background(), "contact:race", p, now)
			if err == nil && dec.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-sweeps

	assert.Equal(t, int64(40), admitted.Load())
	assert.Equal(t, 1, l.Len())
}

func TestSweep_RemovesOnlyIdleKeys(t *testing.T) {
	l := newTestLimiter(t)
	base := time.Unix(1_700_000_000, 0)

	short := ratelimit.Policy{MaxRequests: 5, Window: time.Minute}
	long := ratelimit.Policy{MaxRequests: 5, Window: time.Hour}

	allow(t, l, "chat:idle", short, base)
	allow(t, l, "contact:busy", long, base)
	require.Equal(t, 2, l.Len())

	removed := l.Sweep(base.Add(5 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Len())

	// the surviving key still remembers its event
	dec := allow(t, l, "contact:busy", long, base.Add(5*time.Minute))
	assert.Equal(t, 3, dec.Remaining)
}

func TestJanitor_SweepsInBackground(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	l := New(WithSweepInterval(5*time.Millisecond), WithClock(now))
	t.Cleanup(func() { _ = l.Close() })

	allow(t, l, "demo:1.1.1.1", ratelimit.Policy{MaxRequests: 1, Window: time.Second}, now())
	require.Equal(t, 1, l.Len())

	mu.Lock()
	clock = clock.Add(2 * time.Second)
	mu.Unlock()

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	l := New(WithSweepInterval(time.Millisecond))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
