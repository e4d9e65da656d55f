package routing

import (
	"context"
	"net/http"
	"time"

	"github.com/kinetia/kinagate/internal/ratelimit"
)

const (
	Chat    = "chat"
	Contact = "contact"
	Demo    = "demo"
)

// Route is one public endpoint with its admission policy and upstream
// deadline.
type Route struct {
	ID      string
	Path    string
	Policy  ratelimit.Policy
	Timeout time.Duration

	// UpstreamErrorStatus replaces 502 for upstream_error on this route.
	UpstreamErrorStatus int
}

// Table is the fixed set of public routes, in registration order.
type Table struct {
	routes []*Route
	byID   map[string]*Route
	byPath map[string]*Route
}

func NewTable() *Table {
	return &Table{byID: make(map[string]*Route), byPath: make(map[string]*Route)}
}

func (t *Table) Add(rt *Route) {
	t.routes = append(t.routes, rt)
	t.byID[rt.ID] = rt
	t.byPath[rt.Path] = rt
}

func (t *Table) Routes() []*Route {
	return t.routes
}

func (t *Table) Get(id string) (*Route, bool) {
	rt, ok := t.byID[id]
	return rt, ok
}

// Match returns the route registered for an exact path.
func (t *Table) Match(path string) (*Route, bool) {
	rt, ok := t.byPath[path]
	return rt, ok
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
