package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// NewHTTPTransport returns the transport shared by all upstream clients.
// Request deadlines come from the caller's context, so there is no client
// level timeout here.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func NewHTTPClient(tr http.RoundTripper) *http.Client {
	return &http.Client{Transport: tr}
}

// Paced throttles deliveries to a destination with a shared token bucket.
// A delivery waits for its token or until the caller's context is done,
// whichever comes first.
type Paced struct {
	next Deliverer
	lim  *rate.Limiter
}

func NewPaced(next Deliverer, perSecond float64, burst int) Deliverer {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &Paced{next: next, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (p *Paced) Deliver(ctx context.Context, s Submission) error {
	res := p.lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		// a token past the deadline still waits the deadline out
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			res.Cancel()
			return ctx.Err()
		}
	}
	return p.next.Deliver(ctx, s)
}

// LogDeliverer accepts every submission and writes it to the log. It backs
// the permissive form mode when no destination is configured.
type LogDeliverer struct {
	Logger zerolog.Logger
}

func (d LogDeliverer) Deliver(ctx context.Context, s Submission) error {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		l = &d.Logger
	}
	l.Info().
		Str("form", s.Form).
		Str("submission_id", s.ID).
		Interface("fields", s.Fields).
		Msg("form received without destination")
	return nil
}
