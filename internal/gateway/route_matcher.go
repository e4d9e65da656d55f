package gateway

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/kinetia/kinagate/internal/routing"
)

// BindRoute stores rt on the request context for the admission check and
// the route handler, and tags the request logger with it.
func BindRoute(rt *routing.Route) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := hlog.FromRequest(r).With().Str("route", rt.ID).Logger()
			ctx := l.WithContext(r.Context())
			next.ServeHTTP(w, routing.WithRoute(r.WithContext(ctx), rt))
		})
	}
}
