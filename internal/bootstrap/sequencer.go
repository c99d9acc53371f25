package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/failure"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/danmuck/lifeline/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrAPIResolverRequired = errors.New("bootstrap: api resolver required")
	ErrObserverRequired    = errors.New("bootstrap: observer required")
	ErrInvalidTarget       = errors.New("bootstrap: invalid target")
)

// Config defines handshake behavior.
type Config struct {
	InstalledVersion string
	InitPath         string
	MaintenanceRetry time.Duration
	InitialTarget    Target
	// StagingAvailable allows the staging fallback.
	StagingAvailable bool
	// Rebootstrap starts a new attempt whenever a different known credential
	// arrives, superseding any attempt in flight.
	Rebootstrap bool
}

func DefaultConfig() Config {
	return Config{
		InitPath:         "/init",
		MaintenanceRetry: 10 * time.Second,
		InitialTarget:    TargetProduction,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.InitPath) == "" {
		c.InitPath = def.InitPath
	}
	if c.MaintenanceRetry <= 0 {
		c.MaintenanceRetry = def.MaintenanceRetry
	}
	if c.InitialTarget == "" {
		c.InitialTarget = def.InitialTarget
	}
	return c
}

// Deps are the sequencer collaborators.
type Deps struct {
	// API resolves the authorized handle for a target with the current credential.
	API      func(Target) *transport.API
	Notifier Notifier
	Observer Observer
	Clock    clock.Clock
}

// Sequencer drives the handshake state machine.
type Sequencer struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	trigger credential.Credential
	target  Target
	state   State
	epoch   uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Sequencer, error) {
	cfg = cfg.WithDefaults()
	if !cfg.InitialTarget.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, cfg.InitialTarget)
	}
	if deps.API == nil {
		return nil, ErrAPIResolverRequired
	}
	if deps.Observer == nil {
		return nil, ErrObserverRequired
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Sequencer{
		cfg:    cfg,
		deps:   deps,
		log:    observability.Component("bootstrap"),
		target: cfg.InitialTarget,
		state:  StateIdle,
	}, nil
}

func (s *Sequencer) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trigger starts an attempt for cred. Unset credentials, repeated values and,
// unless Rebootstrap is set, every credential after the first are ignored.
func (s *Sequencer) Trigger(cred credential.Credential) bool {
	if !cred.Known() {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.started {
		if !s.cfg.Rebootstrap || cred.Equal(s.trigger) {
			s.mu.Unlock()
			return false
		}
		s.cancel()
	}
	s.started = true
	s.trigger = cred
	s.epoch++
	epoch := s.epoch
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateHandshaking
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info().Str("credential", cred.String()).Uint64("epoch", epoch).Msg("bootstrap triggered")
	go func() {
		defer s.wg.Done()
		s.run(ctx, epoch)
	}()
	return true
}

// Close cancels the running attempt and pending retry, and waits for the
// sequencer goroutine to exit.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sequencer) run(ctx context.Context, epoch uint64) {
	stagingTried := false
	for {
		target := s.Target()
		start := s.deps.Clock.Now()
		res, err := handshake(ctx, s.deps.API(target), s.cfg.InitPath, s.cfg.InstalledVersion)
		elapsed := s.deps.Clock.Since(start)
		res.Target = target

		// A superseded attempt, or one aimed at a target that is no longer
		// active, must not touch observer state.
		if !s.current(epoch) {
			return
		}

		switch {
		case err == nil:
			s.deps.Observer.Maintenance(false)
			if res.Decision.StagingRequired && target != TargetStaging && !stagingTried {
				stagingTried = true
				if s.cfg.StagingAvailable {
					observability.RecordHandshake(string(target), "staging", elapsed)
					next, ok := s.switchTarget(epoch, TargetStaging)
					if !ok {
						return
					}
					epoch = next
					continue
				}
				s.log.Warn().
					Str("installed", s.cfg.InstalledVersion).
					Str("current", res.Versions.Current).
					Msg("client ahead of production but no staging backend configured")
			}
			observability.RecordHandshake(string(target), "ready", elapsed)
			s.complete(ctx, epoch, res)
			return

		case failure.IsMaintenance(err):
			observability.RecordHandshake(string(target), "maintenance", elapsed)
			// Arm the timer before reporting so observers never see
			// maintenance without a pending retry.
			timer := s.deps.Clock.Timer(s.cfg.MaintenanceRetry)
			s.setState(epoch, StateMaintenance)
			s.deps.Observer.Maintenance(true)
			s.log.Warn().Str("target", string(target)).Dur("retry_in", s.cfg.MaintenanceRetry).Msg("backend in maintenance")
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.setState(epoch, StateHandshaking)

		default:
			if ctx.Err() != nil {
				return
			}
			observability.RecordHandshake(string(target), "fatal", elapsed)
			s.fail(epoch, fmt.Errorf("bootstrap: handshake %s: %w", target, err))
			return
		}
	}
}

// complete commits config, runs the update notification and ends loading.
func (s *Sequencer) complete(ctx context.Context, epoch uint64, res Result) {
	s.deps.Observer.Committed(res)
	if res.Decision.ShouldUpdate && s.deps.Notifier != nil {
		s.log.Info().
			Str("installed", s.cfg.InstalledVersion).
			Str("recommended", res.Versions.Recommended).
			Bool("force", res.Decision.NeedsUpdate).
			Msg("update recommended")
		if err := s.deps.Notifier.NotifyUpdate(ctx, res.Decision.NeedsUpdate); err != nil {
			if ctx.Err() != nil || !s.current(epoch) {
				return
			}
			s.fail(epoch, fmt.Errorf("bootstrap: update notification: %w", err))
			return
		}
	}
	if !s.setState(epoch, StateReady) {
		return
	}
	s.deps.Observer.Loaded()
	s.log.Info().Str("target", string(res.Target)).Msg("bootstrap complete")
}

func (s *Sequencer) fail(epoch uint64, err error) {
	if !s.setState(epoch, StateFailed) {
		return
	}
	s.log.Error().Err(err).Msg("bootstrap failed")
	s.deps.Observer.Fatal(err)
}

func (s *Sequencer) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.epoch == epoch
}

func (s *Sequencer) setState(epoch uint64, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.epoch != epoch {
		return false
	}
	s.state = state
	return true
}

// switchTarget activates target and invalidates the previous epoch.
func (s *Sequencer) switchTarget(epoch uint64, target Target) (uint64, bool) {
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return 0, false
	}
	s.target = target
	s.epoch++
	next := s.epoch
	s.mu.Unlock()

	s.log.Info().Str("target", string(target)).Msg("switching backend target")
	s.deps.Observer.TargetChanged(target)
	return next, true
}
