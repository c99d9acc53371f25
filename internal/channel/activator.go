package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/failure"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/rs/zerolog"
)

var (
	ErrFactoryRequired = errors.New("channel: factory required when enabled")
	ErrClosed          = errors.New("channel: activator closed")
)

// Auth is the optional bearer token used to authenticate a channel.
type Auth struct {
	Token   string
	Present bool
}

func AuthFrom(cred credential.Credential) Auth {
	token, ok := cred.Bearer()
	return Auth{Token: token, Present: ok}
}

// Channel is an open real-time channel. Failures yields connection-level
// failures and is closed when the channel ends.
type Channel interface {
	Failures() <-chan error
	Close() error
}

// Factory opens channels.
type Factory interface {
	Open(ctx context.Context, url string, auth Auth) (Channel, error)
}

type FactoryFunc func(ctx context.Context, url string, auth Auth) (Channel, error)

func (f FactoryFunc) Open(ctx context.Context, url string, auth Auth) (Channel, error) {
	return f(ctx, url, auth)
}

// Reporter receives connection failures. netwatch.Monitor satisfies it.
type Reporter interface {
	MarkDown(reason error) bool
}

type Config struct {
	Enabled bool
}

type activation struct {
	cred   credential.Credential
	target string
	url    string
}

// Activator keeps at most one channel open for the current credential and target.
type Activator struct {
	cfg      Config
	factory  Factory
	reporter Reporter
	log      zerolog.Logger

	mu     sync.Mutex
	closed bool
	key    activation
	hasKey bool
	active Channel
}

func NewActivator(cfg Config, factory Factory, reporter Reporter) (*Activator, error) {
	if cfg.Enabled && factory == nil {
		return nil, ErrFactoryRequired
	}
	return &Activator{
		cfg:      cfg,
		factory:  factory,
		reporter: reporter,
		log:      observability.Component("channel"),
	}, nil
}

// Connected reports whether a channel is currently open.
func (a *Activator) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

// Activate opens a channel for cred against target's url. The previous
// channel is torn down first when the credential, target or url changed.
// Disabled activators and unset credentials do nothing.
func (a *Activator) Activate(ctx context.Context, cred credential.Credential, target, url string) error {
	if !a.cfg.Enabled || !cred.Known() {
		return nil
	}
	key := activation{cred: cred, target: target, url: url}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.hasKey && a.key == key && a.active != nil {
		a.mu.Unlock()
		return nil
	}
	prev := a.active
	a.active = nil
	a.key = key
	a.hasKey = true
	a.mu.Unlock()

	if prev != nil {
		a.teardown(prev, "replaced")
	}
	return a.open(ctx, key)
}

// Resume re-opens the channel for the last activation if it is not open,
// typically after the network came back up.
func (a *Activator) Resume(ctx context.Context) error {
	a.mu.Lock()
	if a.closed || !a.hasKey || a.active != nil {
		a.mu.Unlock()
		return nil
	}
	key := a.key
	a.mu.Unlock()
	return a.open(ctx, key)
}

// Deactivate closes the active channel and forgets the activation.
func (a *Activator) Deactivate() {
	a.mu.Lock()
	prev := a.active
	a.active = nil
	a.hasKey = false
	a.key = activation{}
	a.mu.Unlock()
	if prev != nil {
		a.teardown(prev, "deactivated")
	}
}

func (a *Activator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.Deactivate()
}

func (a *Activator) open(ctx context.Context, key activation) error {
	ch, err := a.factory.Open(ctx, key.url, AuthFrom(key.cred))
	if err != nil {
		observability.RecordChannelEvent("open_failed")
		a.log.Warn().Err(err).Str("url", key.url).Msg("channel open failed")
		a.report(err)
		return err
	}

	a.mu.Lock()
	if a.closed || !a.hasKey || a.key != key || a.active != nil {
		// Superseded while dialing.
		a.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	a.active = ch
	a.mu.Unlock()

	observability.RecordChannelEvent("open")
	a.log.Info().Str("url", key.url).Str("target", key.target).Msg("channel open")
	go a.watch(ch)
	return nil
}

func (a *Activator) watch(ch Channel) {
	for err := range ch.Failures() {
		a.mu.Lock()
		current := a.active == ch
		if current {
			a.active = nil
		}
		a.mu.Unlock()
		if !current {
			return
		}
		observability.RecordChannelEvent("failed")
		a.log.Warn().Err(err).Msg("channel failed")
		_ = ch.Close()
		a.report(err)
		return
	}
}

func (a *Activator) report(err error) {
	if a.reporter == nil || !failure.IsConnection(err) {
		return
	}
	a.reporter.MarkDown(err)
}

func (a *Activator) teardown(ch Channel, reason string) {
	observability.RecordChannelEvent(reason)
	if err := ch.Close(); err != nil {
		a.log.Debug().Err(err).Str("reason", reason).Msg("channel close")
	}
}
