package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/kinetia/kinagate/internal/ratelimit"
	"github.com/kinetia/kinagate/internal/routing"
)

// RateLimit admits or rejects a request for the route bound by BindRoute.
// The limiter key is "<route>:<client identity>". rec may be nil.
func RateLimit(lim ratelimit.Limiter, rec ratelimit.Recorder, observer Observer, now func() time.Time) Middleware {
	if observer == nil {
		observer = nopObserver{}
	}
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt, ok := routing.RouteFrom(r)
			if !ok || rt == nil {
				writeError(w, r, newError(KindInternal, "unexpected server error"))
				return
			}

			key := rt.ID + ":" + ClientIdentity(r)
			at := now()

			dec, err := lim.Allow(r.Context(), key, rt.Policy, at)
			if err != nil {
				observer.LimiterError(rt.ID)
				hlog.FromRequest(r).Error().Err(err).Str("route", rt.ID).Msg("rate limiter failed")
				writeError(w, r, &Error{Kind: KindInternal, Message: "unexpected server error", cause: err})
				return
			}

			if rec != nil {
				ev := ratelimit.Event{Key: key, Route: rt.ID, Allowed: dec.Allowed, At: at}
				if err := record(r.Context(), rec, ev); err != nil {
					hlog.FromRequest(r).Warn().Err(err).Str("route", rt.ID).Msg("admission stats not recorded")
				}
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
			if !dec.Reset.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset.Unix(), 10))
			}

			if !dec.Allowed {
				observer.RateLimited(rt.ID)
				writeError(w, r, &Error{
					Kind:       KindRateLimited,
					Message:    "too many requests, please retry later",
					RetryAfter: dec.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recordTimeout bounds how long a stats sink may hold up admission.
var recordTimeout = 50 * time.Millisecond

// record hands ev to rec and waits at most recordTimeout. A sink still busy at
// the limit sees its context expire; its result is dropped.
func record(ctx context.Context, rec ratelimit.Recorder, ev ratelimit.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Record(ctx, ev) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("record admission: %w", ctx.Err())
	}
}
