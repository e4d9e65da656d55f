// Package stats holds sinks for admission decisions. They are best-effort:
// a failing sink never changes the outcome of a request.
package stats

import (
	"context"
	"sync"

	"github.com/kinetia/kinagate/internal/ratelimit"
)

type Counters struct {
	Allowed int64
	Denied  int64
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// Memory keeps counters in process. Nothing expires, so per-key tracking is
// off unless asked for.
type Memory struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters

	trackKeys bool
}

var _ ratelimit.Recorder = (*Memory)(nil)

type MemoryOption func(*Memory)

func WithTrackKeys(track bool) MemoryOption {
	return func(s *Memory) { s.trackKeys = track }
}

func NewMemory(opts ...MemoryOption) *Memory {
	s := &Memory{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Memory) Record(_ context.Context, ev ratelimit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	c := s.byRoute[ev.Route]
	c.add(ev.Allowed)
	s.byRoute[ev.Route] = c

	if s.trackKeys {
		k := s.byKey[ev.Key]
		k.add(ev.Allowed)
		s.byKey[ev.Key] = k
	}
	return nil
}

func (s *Memory) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Memory) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *Memory) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}

// Multi fans one event out to several recorders and returns the first error.
type Multi []ratelimit.Recorder

func (m Multi) Record(ctx context.Context, ev ratelimit.Event) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
