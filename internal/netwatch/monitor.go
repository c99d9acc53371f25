package netwatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/lifeline/internal/failure"
	"github.com/danmuck/lifeline/internal/limbo"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("netwatch: monitor closed")

// Status is the global network status.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ProbeFunc issues one health-check request. A nil error means success; a
// *failure.StatusError or connection failure keeps the network down.
type ProbeFunc func(ctx context.Context) error

// Config defines probe behavior.
type Config struct {
	Interval time.Duration
	Probe    ProbeFunc
	Clock    clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Clock:    clock.New(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	return c
}

// Monitor tracks network status and owns the limbo queue.
type Monitor struct {
	cfg   Config
	log   zerolog.Logger
	queue *limbo.Queue

	mu          sync.Mutex
	status      Status
	closed      bool
	epoch       uint64
	ticker      *clock.Ticker
	cancelProbe context.CancelFunc

	subsMu  sync.Mutex
	subs    map[uint64]func(Status)
	nextSub uint64
}

func New(cfg Config) *Monitor {
	return &Monitor{
		cfg:    cfg.WithDefaults(),
		log:    observability.Component("netwatch"),
		queue:  limbo.NewQueue(),
		status: StatusUp,
		subs:   make(map[uint64]func(Status)),
	}
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CanRecover reports whether a probe is configured. Without one the monitor
// never leaves up.
func (m *Monitor) CanRecover() bool {
	return m.cfg.Probe != nil
}

// Pending lists suspended requests in suspension order.
func (m *Monitor) Pending() []limbo.PendingRequest {
	return m.queue.List()
}

// OnChange registers fn for every status transition. fn runs on the
// goroutine that caused the transition and must not block.
func (m *Monitor) OnChange(fn func(Status)) (cancel func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

// MarkDown transitions up -> down and starts the probe ticker. It returns
// false when nothing changed.
func (m *Monitor) MarkDown(reason error) bool {
	if m.cfg.Probe == nil {
		m.log.Debug().Err(reason).Msg("connection failure ignored: no health probe configured")
		return false
	}

	m.mu.Lock()
	if m.closed || m.status == StatusDown {
		m.mu.Unlock()
		return false
	}
	m.status = StatusDown
	m.epoch++
	epoch := m.epoch
	ticker := m.cfg.Clock.Ticker(m.cfg.Interval)
	ctx, cancel := context.WithCancel(context.Background())
	m.ticker = ticker
	m.cancelProbe = cancel
	m.mu.Unlock()

	m.log.Warn().Err(reason).Dur("probe_interval", m.cfg.Interval).Msg("network down")
	observability.RecordNetworkStatus(false)
	go m.probeLoop(ctx, ticker, epoch)
	m.notify(StatusDown)
	return true
}

func (m *Monitor) probeLoop(ctx context.Context, ticker *clock.Ticker, epoch uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
		err := m.cfg.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		kind := failure.Classify(err)
		observability.RecordProbe(kind.String())
		if kind == failure.KindNone {
			m.markUp(epoch)
			return
		}
		m.log.Debug().Err(err).Str("kind", kind.String()).Msg("health probe failed")
	}
}

// markUp is only honored for the down period identified by epoch.
func (m *Monitor) markUp(epoch uint64) {
	m.mu.Lock()
	if m.closed || m.status == StatusUp || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.status = StatusUp
	m.stopProbeLocked()
	tickets := m.queue.Take()
	m.mu.Unlock()

	observability.RecordNetworkStatus(true)
	n := limbo.Release(tickets)
	observability.RecordLimbo("replayed", n, m.queue.Len())
	m.log.Info().Int("replayed", n).Msg("network up")
	m.notify(StatusUp)
}

func (m *Monitor) stopProbeLocked() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.cancelProbe != nil {
		m.cancelProbe()
		m.cancelProbe = nil
	}
}

// Suspend blocks while the network is down. It returns an acknowledgement
// the caller must invoke once it has handed the request to the transport;
// when the network is up it returns immediately.
func (m *Monitor) Suspend(ctx context.Context, label string) (dispatched func(), err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return noop, ErrClosed
	}
	if m.status == StatusUp {
		m.mu.Unlock()
		return noop, nil
	}
	ticket := m.queue.Push(label, m.cfg.Clock.Now())
	depth := m.queue.Len()
	m.mu.Unlock()

	observability.RecordLimbo("suspended", 1, depth)
	m.log.Debug().Str("request", label).Int("depth", depth).Msg("request suspended")

	select {
	case <-ticket.Released():
		if err := ticket.Err(); err != nil {
			return noop, err
		}
		return ticket.Dispatched, nil
	case <-ctx.Done():
		if m.queue.Abandon(ticket) {
			observability.RecordLimbo("abandoned", 1, m.queue.Len())
			return noop, ctx.Err()
		}
		// Already taken by a drain: acknowledge so the drain moves on.
		<-ticket.Released()
		ticket.Dispatched()
		return noop, ctx.Err()
	}
}

// Close stops probing and fails every suspended request with ErrClosed.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopProbeLocked()
	tickets := m.queue.Take()
	m.mu.Unlock()

	limbo.Cancel(tickets, ErrClosed)
	observability.RecordLimbo("abandoned", len(tickets), 0)
}

func (m *Monitor) notify(status Status) {
	m.subsMu.Lock()
	fns := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func noop() {}
