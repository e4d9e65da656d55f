package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kinetia/kinagate/internal/ratelimit"
)

const DefaultSweepInterval = 5 * time.Minute

// window is the sliding log for one key. dead is set by the sweep when the
// entry has been unlinked from the map; a check that finds a dead entry must
// fetch a fresh one.
type window struct {
	mu     sync.Mutex
	events []time.Time
	span   time.Duration
	dead   bool
}

// prune drops events that fell out of the trailing span ending at now.
// Callers hold w.mu.
func (w *window) prune(now time.Time, span time.Duration) {
	cut := 0
	for cut < len(w.events) && now.Sub(w.events[cut]) >= span {
		cut++
	}
	if cut == 0 {
		return
	}
	n := copy(w.events, w.events[cut:])
	w.events = w.events[:n]
}

// Limiter is an in-process sliding-log limiter. Each key has its own mutex so
// checks on different keys never contend, and a background sweep removes keys
// whose log has emptied.
type Limiter struct {
	now           func() time.Time
	sweepInterval time.Duration
	windows       sync.Map // key -> *window

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ ratelimit.Limiter = (*Limiter)(nil)

type Option func(*Limiter)

// WithClock replaces time.Now for the sweep.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often idle keys are collected. Zero disables
// the background sweep; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// New returns a limiter and starts its sweep. Close stops it.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.sweepInterval > 0 {
		go l.janitor()
	} else {
		close(l.done)
	}
	return l
}

func (l *Limiter) janitor() {
	defer close(l.done)

	t := time.NewTicker(l.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.Sweep(l.now())
		}
	}
}

// Close stops the sweep and waits for it to exit. Safe to call more than once.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if key == "" {
		return ratelimit.Decision{}, ratelimit.ErrEmptyKey
	}
	if err := p.Validate(); err != nil {
		return ratelimit.Decision{}, err
	}

	for {
		w := l.load(key)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		dec := w.decide(p, now)
		w.mu.Unlock()
		return dec, nil
	}
}

func (l *Limiter) load(key string) *window {
	if v, ok := l.windows.Load(key); ok {
		return v.(*window)
	}
	v, _ := l.windows.LoadOrStore(key, &window{})
	return v.(*window)
}

// decide runs one sliding-log check. Callers hold w.mu.
func (w *window) decide(p ratelimit.Policy, now time.Time) ratelimit.Decision {
	// keep the log non-decreasing when callers race on time.Now
	if n := len(w.events); n > 0 && now.Before(w.events[n-1]) {
		now = w.events[n-1]
	}

	w.span = p.Window
	w.prune(now, p.Window)

	if len(w.events) >= p.MaxRequests {
		oldest := w.events[0]
		return ratelimit.Decision{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			RetryAfter: p.Window - now.Sub(oldest),
			Reset:      oldest.Add(p.Window),
		}
	}

	w.events = append(w.events, now)
	return ratelimit.Decision{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - len(w.events),
		Reset:     w.events[0].Add(p.Window),
	}
}

// Sweep prunes every key against the window it was last checked with and
// removes keys left empty. It locks one key at a time. Returns the number of
// keys removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)

		w.mu.Lock()
		w.prune(now, w.span)
		if len(w.events) == 0 {
			w.dead = true
			l.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len reports how many keys are currently tracked.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
