package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmptyKey      = errors.New("ratelimit: key is required")
	ErrInvalidPolicy = errors.New("ratelimit: policy needs max_requests >= 1 and window > 0")
)

// Policy admits at most MaxRequests within any trailing Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

func (p Policy) Validate() error {
	if p.MaxRequests < 1 || p.Window <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

type Decision struct {
	Allowed    bool
	Limit      int           // MaxRequests of the applied policy
	Remaining  int           // slots left after this request (min 0)
	RetryAfter time.Duration // zero when allowed
	Reset      time.Time     // when the oldest event in the window expires
}

type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}

// Event describes one admission decision for statistics sinks.
type Event struct {
	Key     string
	Route   string
	Allowed bool
	At      time.Time
}

// Recorder persists admission statistics. Implementations are best-effort:
// callers log errors and carry on.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}
