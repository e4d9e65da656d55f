// Package gateway is the public HTTP surface: CORS, admission, bounded body
// parsing, validation, and dispatch to an upstream adapter under a deadline.
package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kinetia/kinagate/internal/ratelimit"
	"github.com/kinetia/kinagate/internal/routing"
	"github.com/kinetia/kinagate/internal/upstream"
)

const (
	// FormModeStrict answers 501 when a form has no destination.
	FormModeStrict = "strict"
	// FormModeLog accepts the submission and only logs it.
	FormModeLog = "log"

	DefaultMaxHistoryTurns = 20
)

// Observer receives gateway events for metrics. All methods must be safe
// for concurrent use.
type Observer interface {
	RateLimited(route string)
	LimiterError(route string)
	UpstreamDone(route, outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) RateLimited(string)                        {}
func (nopObserver) LimiterError(string)                       {}
func (nopObserver) UpstreamDone(string, string, time.Duration) {}

type Options struct {
	Routes   *routing.Table
	Limiter  ratelimit.Limiter
	Recorder ratelimit.Recorder

	Completer upstream.Completer
	Contact   upstream.Deliverer
	Demo      upstream.Deliverer

	FormMode        string
	AllowedOrigin   string
	MaxBodyBytes    int64
	MaxHistoryTurns int

	Observer Observer
	Logger   zerolog.Logger

	// Ops are extra GET endpoints outside CORS and admission, keyed by path.
	Ops map[string]http.Handler

	Now   func() time.Time
	NewID func() string
}

type Gateway struct {
	opts  Options
	forms map[string]formSpec
}

// New validates opts and fills defaults.
func New(opts Options) (*Gateway, error) {
	if opts.Routes == nil {
		return nil, errors.New("gateway: route table is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("gateway: limiter is required")
	}
	for _, id := range []string{routing.Chat, routing.Contact, routing.Demo} {
		if _, ok := opts.Routes.Get(id); !ok {
			return nil, errors.New("gateway: missing route " + id)
		}
	}

	switch opts.FormMode {
	case "":
		opts.FormMode = FormModeStrict
	case FormModeStrict, FormModeLog:
	default:
		return nil, errors.New("gateway: unknown form mode " + opts.FormMode)
	}

	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.MaxHistoryTurns <= 0 {
		opts.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	g := &Gateway{opts: opts}
	g.forms = map[string]formSpec{
		routing.Contact: {required: contactFields, dest: g.destination(opts.Contact)},
		routing.Demo:    {required: demoFields, dest: g.destination(opts.Demo)},
	}
	return g, nil
}

// destination resolves where a form goes when no webhook is configured.
func (g *Gateway) destination(d upstream.Deliverer) upstream.Deliverer {
	if d != nil {
		return d
	}
	if g.opts.FormMode == FormModeLog {
		return upstream.LogDeliverer{Logger: g.opts.Logger}
	}
	return nil
}

// Handler builds the router. mws run first, inside the router, so they can
// read the matched route pattern after the handler returns.
func (g *Gateway) Handler(mws ...Middleware) http.Handler {
	r := chi.NewRouter()
	for _, mw := range mws {
		r.Use(mw)
	}
	r.Use(Recover)

	skip := make(map[string]struct{}, len(g.opts.Ops)+1)
	skip["/health"] = struct{}{}
	for path := range g.opts.Ops {
		skip[path] = struct{}{}
	}
	r.Use(CORS(g.opts.AllowedOrigin, skip))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, newError(KindNotFound, "the requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, newError(KindMethodNotAllowed, "the requested method is not allowed for this resource"))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	for path, h := range g.opts.Ops {
		r.Method(http.MethodGet, path, h)
	}

	admit := RateLimit(g.opts.Limiter, g.opts.Recorder, g.opts.Observer, g.opts.Now)
	for _, rt := range g.opts.Routes.Routes() {
		var h http.HandlerFunc
		switch rt.ID {
		case routing.Chat:
			h = g.handleChat
		default:
			h = g.handleForm
		}
		r.With(BindRoute(rt), admit, BodyLimit(g.opts.MaxBodyBytes)).Post(rt.Path, h)
	}
	return r
}

// RouteLabel names the matched route for metrics: the route ID for public
// routes, the pattern for ops endpoints, "unknown" otherwise. Only valid
// after the router has served r.
func (g *Gateway) RouteLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unknown"
	}
	pattern := rctx.RoutePattern()
	if rt, ok := g.opts.Routes.Match(pattern); ok {
		return rt.ID
	}
	if pattern == "" {
		return "unknown"
	}
	return pattern
}

// outcome is the metrics label for an upstream result.
func outcome(e *Error) string {
	if e == nil {
		return "ok"
	}
	return string(e.Kind)
}

// fail logs an upstream failure with whatever the adapter returned, writes
// the envelope and returns the classified error.
func fail(w http.ResponseWriter, r *http.Request, rt *routing.Route, e *Error) *Error {
	if e.Kind == KindUpstream && rt != nil && rt.UpstreamErrorStatus != 0 {
		e.status = rt.UpstreamErrorStatus
	}
	err := e.cause
	if err == nil {
		err = e
	}
	ev := zerolog.Ctx(r.Context()).Warn()
	if e.Kind == KindInternal {
		ev = zerolog.Ctx(r.Context()).Error()
	}
	var se *upstream.StatusError
	if errors.As(err, &se) {
		ev = ev.Int("upstream_status", se.StatusCode).Str("upstream_body", se.Body)
	}
	ev.Err(err).Str("code", string(e.Kind)).Msg("upstream call failed")
	writeError(w, r, e)
	return e
}
