package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kinetia/kinagate/internal/ratelimit"
)

// Redis writes admission counters as hashes:
//
//	<prefix>:total              allowed|denied
//	<prefix>:minute:<yyyymmddhhmm>  allowed|denied (expires after ttl)
//	<prefix>:route              <route>:allowed|<route>:denied
//	<prefix>:key:<key>          allowed|denied (only with key tracking, expires after ttl)
type Redis struct {
	rdb redis.Cmdable

	prefix    string
	ttl       time.Duration
	trackKeys bool
}

var _ ratelimit.Recorder = (*Redis)(nil)

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithTTL(d time.Duration) RedisOption {
	return func(s *Redis) { s.ttl = d }
}

func WithRedisTrackKeys(track bool) RedisOption {
	return func(s *Redis) { s.trackKeys = track }
}

func NewRedis(rdb redis.Cmdable, opts ...RedisOption) *Redis {
	s := &Redis{
		rdb:    rdb,
		prefix: "kinagate:admission",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the hash keys an event is written to, in write order.
func (s *Redis) Keys(ev ratelimit.Event) []string {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	keys := []string{
		s.prefix + ":total",
		fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504")),
	}
	if strings.TrimSpace(ev.Route) != "" {
		keys = append(keys, s.prefix+":route")
	}
	if s.trackKeys && strings.TrimSpace(ev.Key) != "" {
		keys = append(keys, s.prefix+":key:"+strings.TrimSpace(ev.Key))
	}
	return keys
}

func (s *Redis) Record(ctx context.Context, ev ratelimit.Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	keys := s.Keys(ev)
	pipe := s.rdb.Pipeline()
	for _, k := range keys {
		switch {
		case k == s.prefix+":total":
			pipe.HIncrBy(ctx, k, field, 1)
		case k == s.prefix+":route":
			pipe.HIncrBy(ctx, k, strings.TrimSpace(ev.Route)+":"+field, 1)
		default:
			pipe.HIncrBy(ctx, k, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, k, s.ttl)
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record admission stats: %w", err)
	}
	return nil
}
