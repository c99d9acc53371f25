// Package gate wraps the base transport so requests issued while the network
// is down are suspended in limbo and replayed once it recovers.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/danmuck/lifeline/internal/failure"
	"github.com/danmuck/lifeline/internal/netwatch"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/rs/zerolog"
)

var ErrBodyNotReplayable = errors.New("gate: request body not replayable")

type passthroughKey struct{}

// WithPassthrough marks requests built with ctx to bypass limbo.
func WithPassthrough(ctx context.Context) context.Context {
	return context.WithValue(ctx, passthroughKey{}, true)
}

func isPassthrough(ctx context.Context) bool {
	v, _ := ctx.Value(passthroughKey{}).(bool)
	return v
}

// Config defines which requests the gate leaves alone.
type Config struct {
	// HealthCheckURL enables the gate. Requests to it are never suspended.
	HealthCheckURL string
}

// Gate is an http.RoundTripper.
type Gate struct {
	base      http.RoundTripper
	monitor   *netwatch.Monitor
	healthURL string
	health    *url.URL
	log       zerolog.Logger
}

var _ http.RoundTripper = (*Gate)(nil)

func New(base http.RoundTripper, monitor *netwatch.Monitor, cfg Config) *Gate {
	if base == nil {
		base = http.DefaultTransport
	}
	g := &Gate{
		base:      base,
		monitor:   monitor,
		healthURL: strings.TrimSpace(cfg.HealthCheckURL),
		log:       observability.Component("gate"),
	}
	if g.healthURL != "" {
		if u, err := url.Parse(g.healthURL); err == nil {
			g.health = u
		}
	}
	return g
}

// Active reports whether requests can be suspended.
func (g *Gate) Active() bool {
	return g.healthURL != "" && g.monitor != nil
}

func (g *Gate) exempt(req *http.Request) bool {
	return !g.Active() || isPassthrough(req.Context()) || g.IsHealthCheck(req)
}

// IsHealthCheck matches the configured health URL on scheme, host and path.
// Query strings and fragments on either side are ignored.
func (g *Gate) IsHealthCheck(req *http.Request) bool {
	if g.health == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Scheme, g.health.Scheme) &&
		strings.EqualFold(req.URL.Host, g.health.Host) &&
		strings.TrimRight(req.URL.Path, "/") == strings.TrimRight(g.health.Path, "/")
}

// Intercept returns req unchanged when the network is up. While it is down
// the call blocks until the request is released from limbo. The returned
// function acknowledges dispatch and must be called right before sending.
func (g *Gate) Intercept(req *http.Request) (*http.Request, func(), error) {
	if g.exempt(req) {
		return req, func() {}, nil
	}
	dispatched, err := g.monitor.Suspend(req.Context(), label(req))
	if err != nil {
		return nil, func() {}, err
	}
	return req, dispatched, nil
}

// RoundTrip sends req. A connection-level failure marks the network down and
// the same request is re-issued once released; the caller only sees the
// replayed outcome.
func (g *Gate) RoundTrip(req *http.Request) (*http.Response, error) {
	if g.exempt(req) {
		return g.base.RoundTrip(req)
	}

	current := req
	for attempt := 1; ; attempt++ {
		out, dispatched, err := g.Intercept(current)
		if err != nil {
			return nil, err
		}
		dispatched()

		resp, err := g.base.RoundTrip(out)
		if err == nil {
			return resp, nil
		}
		if failure.Classify(failure.FromTransport(label(out), err)) != failure.KindConnection || req.Context().Err() != nil {
			return nil, err
		}

		next, rewindErr := rewind(req)
		if rewindErr != nil {
			return nil, fmt.Errorf("%w: %v", rewindErr, err)
		}
		g.log.Warn().Err(err).Str("request", label(out)).Int("attempt", attempt).Msg("connection failure, request parked")
		g.monitor.MarkDown(err)
		if !g.monitor.CanRecover() {
			return nil, err
		}
		current = next
	}
}

// rewind clones req with a fresh body for a replay.
func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, ErrBodyNotReplayable
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	next.Body = body
	return next, nil
}

func label(req *http.Request) string {
	if req.URL == nil {
		return req.Method
	}
	return req.Method + " " + req.URL.String()
}
