package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/lifeline/internal/bootstrap"
	"github.com/danmuck/lifeline/internal/channel"
	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/failure"
	"github.com/danmuck/lifeline/internal/gate"
	"github.com/danmuck/lifeline/internal/limbo"
	"github.com/danmuck/lifeline/internal/netwatch"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/danmuck/lifeline/internal/transport"
	"github.com/danmuck/lifeline/internal/version"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Status is a point-in-time snapshot handed to consumers.
type Status struct {
	Phase            Phase               `json:"phase"`
	Loading          bool                `json:"loading"`
	Maintenance      bool                `json:"maintenance"`
	NetworkDown      bool                `json:"network_down"`
	NeedsUpdate      bool                `json:"needs_update"`
	ShouldUpdate     bool                `json:"should_update"`
	Staging          bool                `json:"staging"`
	Target           bootstrap.Target    `json:"target"`
	BaseURL          string              `json:"base_url"`
	InstalledVersion string              `json:"installed_version"`
	Versions         version.Info        `json:"versions"`
	Config           bootstrap.AppConfig `json:"config,omitempty"`
	Credential       string              `json:"credential"`
	ChannelConnected bool                `json:"channel_connected"`
	Pending          int                 `json:"pending"`
	Error            string              `json:"error,omitempty"`
}

type options struct {
	notifier bootstrap.Notifier
	factory  channel.Factory
	clock    clock.Clock
	base     http.RoundTripper
}

type Option func(*options)

// WithNotifier sets the update notification collaborator.
func WithNotifier(n bootstrap.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithChannelFactory replaces the websocket channel factory.
func WithChannelFactory(f channel.Factory) Option {
	return func(o *options) { o.factory = f }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBaseTransport replaces the round tripper the gate wraps.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// Orchestrator is the aggregate client state machine.
type Orchestrator struct {
	cfg config.Config
	log zerolog.Logger

	monitor   *netwatch.Monitor
	gate      *gate.Gate
	client    *http.Client
	seq       *bootstrap.Sequencer
	activator *channel.Activator

	ctx    context.Context
	cancel context.CancelFunc

	events     *serial
	channelOps *serial
	stopWatch  func()
	errs       chan error

	mu          sync.Mutex
	closed      bool
	cred        credential.Credential
	target      bootstrap.Target
	loading     bool
	maintenance bool
	versions    version.Info
	decision    version.Decision
	appConfig   bootstrap.AppConfig
	fatal       error
	subs        map[uint64]func(Status)
	nextSub     uint64
}

func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.base
	if base == nil {
		rt, err := transport.NewBase(cfg.TransportSettings())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: base transport: %w", err)
		}
		base = rt
	}

	orch := &Orchestrator{
		cfg:     cfg,
		log:     observability.Component("orchestrator"),
		target:  bootstrap.TargetProduction,
		loading: true,
		errs:    make(chan error, 8),
		subs:    make(map[uint64]func(Status)),
	}
	orch.ctx, orch.cancel = context.WithCancel(context.Background())

	var probe netwatch.ProbeFunc
	if strings.TrimSpace(cfg.HealthCheckURL) != "" {
		probe = orch.probe
	}
	orch.monitor = netwatch.New(netwatch.Config{
		Interval: cfg.HealthCheckInterval.Duration,
		Probe:    probe,
		Clock:    o.clock,
	})
	orch.gate = gate.New(base, orch.monitor, gate.Config{HealthCheckURL: cfg.HealthCheckURL})
	// No client timeout: time spent in limbo is not a failure.
	orch.client = &http.Client{Transport: orch.gate}

	factory := o.factory
	if factory == nil && cfg.Realtime.Enabled {
		wsf, err := websocketFactory(cfg)
		if err != nil {
			orch.cancel()
			return nil, err
		}
		factory = wsf
	}
	activator, err := channel.NewActivator(channel.Config{Enabled: cfg.Realtime.Enabled}, factory, orch.monitor)
	if err != nil {
		orch.cancel()
		return nil, err
	}
	orch.activator = activator

	seq, err := bootstrap.New(bootstrap.Config{
		InstalledVersion: cfg.InstalledVersion,
		InitPath:         cfg.InitPath,
		MaintenanceRetry: cfg.MaintenanceRetry.Duration,
		InitialTarget:    bootstrap.TargetProduction,
		StagingAvailable: cfg.Staging.Configured(),
		Rebootstrap:      cfg.Rebootstrap,
	}, bootstrap.Deps{
		API:      orch.apiFor,
		Notifier: o.notifier,
		Observer: sequencerObserver{o: orch},
		Clock:    o.clock,
	})
	if err != nil {
		orch.cancel()
		return nil, err
	}
	orch.seq = seq

	orch.events = newSerial()
	orch.channelOps = newSerial()
	orch.stopWatch = orch.monitor.OnChange(orch.networkChanged)

	orch.log.Info().
		Str("installed", cfg.InstalledVersion).
		Str("production", cfg.Production.BaseURL).
		Bool("staging", cfg.Staging.Configured()).
		Bool("gate", orch.gate.Active()).
		Bool("realtime", cfg.Realtime.Enabled).
		Msg("orchestrator ready")
	orch.publish()
	return orch, nil
}

func websocketFactory(cfg config.Config) (*channel.WebsocketFactory, error) {
	tlsCfg, err := transport.ClientTLSConfig(cfg.Transport.TLS)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: channel tls: %w", err)
	}
	return &channel.WebsocketFactory{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Transport.DialTimeout.Duration,
			TLSClientConfig:  tlsCfg,
		},
		PingInterval: cfg.Realtime.PingInterval.Duration,
	}, nil
}

// SetCredential is the credential-mutation callback. Repeated values are
// ignored.
func (o *Orchestrator) SetCredential(cred credential.Credential) {
	o.mu.Lock()
	if o.closed || cred.Equal(o.cred) {
		o.mu.Unlock()
		return
	}
	o.cred = cred
	o.mu.Unlock()

	o.log.Info().Str("credential", cred.String()).Msg("credential changed")
	o.syncChannel()
	o.seq.Trigger(cred)
	o.publish()
}

// API returns the authorized handle for the active target and credential.
func (o *Orchestrator) API() *transport.API {
	o.mu.Lock()
	target := o.target
	o.mu.Unlock()
	return o.apiFor(target)
}

// Client is the gated HTTP client every backend call should go through.
func (o *Orchestrator) Client() *http.Client {
	return o.client
}

// Errors yields fatal bootstrap errors.
func (o *Orchestrator) Errors() <-chan error {
	return o.errs
}

func (o *Orchestrator) Pending() []limbo.PendingRequest {
	return o.monitor.Pending()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe registers fn for every status change. The current status is
// delivered first.
func (o *Orchestrator) Subscribe(fn func(Status)) (cancel func()) {
	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs[id] = fn
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.events.submit(func() {
		if o.subscribed(id) {
			fn(snap)
		}
	})
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// Close tears everything down. Suspended requests fail with netwatch.ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.seq.Close()
	o.stopWatch()
	o.channelOps.close()
	o.activator.Close()
	o.monitor.Close()
	o.events.close()
	close(o.errs)
	o.log.Info().Msg("orchestrator closed")
}

func (o *Orchestrator) apiFor(target bootstrap.Target) *transport.API {
	o.mu.Lock()
	cred := o.cred
	o.mu.Unlock()
	return transport.NewAPI(o.client, o.endpoint(target).BaseURL, cred)
}

func (o *Orchestrator) endpoint(target bootstrap.Target) config.Endpoint {
	if target == bootstrap.TargetStaging {
		return o.cfg.Staging
	}
	return o.cfg.Production
}

// probe issues the health check through the gated client as a passthrough
// request so it is never parked behind itself.
func (o *Orchestrator) probe(ctx context.Context) error {
	url := o.cfg.HealthCheckURL
	req, err := http.NewRequestWithContext(gate.WithPassthrough(ctx), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return failure.FromTransport(url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return failure.CheckResponse(resp)
}

func (o *Orchestrator) networkChanged(status netwatch.Status) {
	o.log.Info().Str("status", string(status)).Msg("network status changed")
	if status == netwatch.StatusUp {
		o.channelOps.submit(func() {
			if err := o.activator.Resume(o.ctx); err != nil {
				o.log.Debug().Err(err).Msg("channel resume")
			}
		})
	}
	o.publish()
}

// syncChannel queues an activation for whatever credential and target are
// current when it runs.
func (o *Orchestrator) syncChannel() {
	o.channelOps.submit(func() {
		o.mu.Lock()
		cred, target := o.cred, o.target
		o.mu.Unlock()
		if !cred.Known() {
			o.activator.Deactivate()
			return
		}
		url := o.endpoint(target).ChannelURL
		if err := o.activator.Activate(o.ctx, cred, string(target), url); err != nil {
			o.log.Debug().Err(err).Str("target", string(target)).Msg("channel activation")
		}
	})
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	snap := o.snapshotLocked()
	subs := make([]uint64, 0, len(o.subs))
	for id := range o.subs {
		subs = append(subs, id)
	}
	o.mu.Unlock()

	observability.RecordPhase(string(snap.Phase), phaseNames())
	o.events.submit(func() {
		for _, id := range subs {
			o.mu.Lock()
			fn, ok := o.subs[id]
			o.mu.Unlock()
			if ok {
				fn(snap)
			}
		}
	})
}

func (o *Orchestrator) subscribed(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.subs[id]
	return ok
}

func (o *Orchestrator) snapshotLocked() Status {
	down := o.monitor.Status() == netwatch.StatusDown
	st := Status{
		Phase: Project(Flags{
			Loading:     o.loading,
			Maintenance: o.maintenance,
			NeedsUpdate: o.decision.NeedsUpdate,
			NetworkDown: down,
			Overlay:     o.cfg.NetworkDownOverlay,
		}),
		Loading:          o.loading,
		Maintenance:      o.maintenance,
		NetworkDown:      down,
		NeedsUpdate:      o.decision.NeedsUpdate,
		ShouldUpdate:     o.decision.ShouldUpdate,
		Staging:          o.target == bootstrap.TargetStaging,
		Target:           o.target,
		BaseURL:          o.endpoint(o.target).BaseURL,
		InstalledVersion: o.cfg.InstalledVersion,
		Versions:         o.versions,
		Config:           o.appConfig.Clone(),
		Credential:       o.cred.String(),
		ChannelConnected: o.activator.Connected(),
		Pending:          len(o.monitor.Pending()),
	}
	if o.fatal != nil {
		st.Error = o.fatal.Error()
	}
	return st
}

// sequencerObserver applies bootstrap outcomes to orchestrator state.
type sequencerObserver struct {
	o *Orchestrator
}

func (s sequencerObserver) TargetChanged(target bootstrap.Target) {
	s.o.mu.Lock()
	s.o.target = target
	s.o.mu.Unlock()
	s.o.syncChannel()
	s.o.publish()
}

func (s sequencerObserver) Maintenance(active bool) {
	s.o.mu.Lock()
	changed := s.o.maintenance != active
	s.o.maintenance = active
	s.o.mu.Unlock()
	if changed {
		s.o.publish()
	}
}

func (s sequencerObserver) Committed(res bootstrap.Result) {
	s.o.mu.Lock()
	s.o.versions = res.Versions
	s.o.decision = res.Decision
	s.o.appConfig = res.Config.Clone()
	s.o.mu.Unlock()
	s.o.publish()
}

func (s sequencerObserver) Loaded() {
	s.o.mu.Lock()
	s.o.loading = false
	s.o.mu.Unlock()
	s.o.publish()
}

func (s sequencerObserver) Fatal(err error) {
	s.o.mu.Lock()
	s.o.fatal = err
	s.o.mu.Unlock()
	select {
	case s.o.errs <- err:
	default:
		s.o.log.Warn().Err(err).Msg("fatal error dropped: errors channel full")
	}
	s.o.publish()
}
