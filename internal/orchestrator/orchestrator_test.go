package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/lifeline/internal/backendsim"
	"github.com/danmuck/lifeline/internal/bootstrap"
	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/failure"
	"github.com/danmuck/lifeline/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type backend struct {
	sim *backendsim.Server
	srv *httptest.Server
}

func startBackend(t *testing.T, mutate func(*backendsim.Config)) backend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := backendsim.DefaultConfig()
	cfg.Routes = map[string]any{"url": "http://routes.local"}
	cfg.Extra = map[string]any{"app_name": "lifeline"}
	if mutate != nil {
		mutate(&cfg)
	}
	sim := backendsim.New("sim", cfg)
	srv := httptest.NewServer(sim.HTTPRouter())
	t.Cleanup(srv.Close)
	return backend{sim: sim, srv: srv}
}

func (b backend) endpoint() config.Endpoint {
	return config.Endpoint{
		BaseURL:    b.srv.URL,
		ChannelURL: "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws",
	}
}

func baseConfig(prod backend, installed string) config.Config {
	cfg := config.Default()
	cfg.InstalledVersion = installed
	cfg.Production = prod.endpoint()
	cfg.HealthCheckURL = prod.srv.URL + "/health"
	return cfg
}

func newOrchestrator(t *testing.T, cfg config.Config, opts ...Option) (*Orchestrator, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	orch, err := New(cfg, append([]Option{WithClock(mock)}, opts...)...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch, mock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// advanceUntil moves the mock clock forward in steps until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	waitFor(t, what, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return cond()
	})
}

func phaseIs(orch *Orchestrator, want Phase) func() bool {
	return func() bool { return orch.Status().Phase == want }
}

func TestStartsLoadingUntilCredentialIsKnown(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	orch, _ := newOrchestrator(t, baseConfig(prod, "1.0.0"))

	st := orch.Status()
	if st.Phase != PhaseLoading || !st.Loading {
		t.Fatalf("expected loading before credential, got %+v", st)
	}

	orch.SetCredential(credential.Unset())
	time.Sleep(20 * time.Millisecond)
	if prod.sim.Hits("/init") != 0 {
		t.Fatalf("unset credential must not trigger the handshake")
	}

	orch.SetCredential(credential.Absent())
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	st = orch.Status()
	if st.Target != bootstrap.TargetProduction || st.Staging {
		t.Fatalf("expected production target, got %+v", st)
	}
	var appName string
	if err := st.Config.Decode("app_name", &appName); err != nil || appName != "lifeline" {
		t.Fatalf("expected app config passthrough, got %q err=%v", appName, err)
	}
	if len(st.Config.Routes()) == 0 {
		t.Fatalf("expected routes in config")
	}
	if st.Versions.Current != "1.0.0" {
		t.Fatalf("unexpected versions %+v", st.Versions)
	}

	orch.SetCredential(credential.Absent())
	orch.SetCredential(credential.Token("later"))
	time.Sleep(20 * time.Millisecond)
	if hits := prod.sim.Hits("/init"); hits != 1 {
		t.Fatalf("expected a single bootstrap per process, got %d handshakes", hits)
	}
}

func TestNeedsUpdateAfterLoading(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, func(c *backendsim.Config) {
		c.CurrentVersion = "2.1.0"
		c.RecommendedVersion = ""
		c.MinimumVersion = "2.1.0"
	})
	orch, _ := newOrchestrator(t, baseConfig(prod, "2.0.0"))

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "needs-update", phaseIs(orch, PhaseNeedsUpdate))

	st := orch.Status()
	if st.Loading || !st.NeedsUpdate || st.ShouldUpdate {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestNotifierGatesEndOfLoading(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, func(c *backendsim.Config) {
		c.CurrentVersion = "2.1.0"
		c.RecommendedVersion = "2.1.0"
		c.MinimumVersion = "2.1.0"
	})

	called := make(chan bool, 1)
	release := make(chan struct{})
	notifier := bootstrap.NotifierFunc(func(ctx context.Context, force bool) error {
		called <- force
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	orch, _ := newOrchestrator(t, baseConfig(prod, "2.0.0"), WithNotifier(notifier))

	orch.SetCredential(credential.Token("tok"))
	select {
	case force := <-called:
		if !force {
			t.Fatalf("expected forced update below minimum")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("notifier not called")
	}
	if st := orch.Status(); st.Phase != PhaseLoading {
		t.Fatalf("expected loading while notifier runs, got %s", st.Phase)
	}

	close(release)
	waitFor(t, "needs-update", phaseIs(orch, PhaseNeedsUpdate))
	if !orch.Status().ShouldUpdate {
		t.Fatalf("expected should_update")
	}
}

func TestStagingFallbackRunsOnce(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	staging := startBackend(t, func(c *backendsim.Config) {
		// Staging also trails the client; there must be no third attempt.
		c.CurrentVersion = "1.2.0"
	})
	cfg := baseConfig(prod, "1.5.0")
	cfg.Staging = staging.endpoint()
	orch, _ := newOrchestrator(t, cfg)

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	st := orch.Status()
	if !st.Staging || st.Target != bootstrap.TargetStaging || st.BaseURL != staging.srv.URL {
		t.Fatalf("expected staging target, got %+v", st)
	}
	if api := orch.API(); api.BaseURL() != staging.srv.URL {
		t.Fatalf("api should point at staging, got %s", api.BaseURL())
	}
	time.Sleep(20 * time.Millisecond)
	if prod.sim.Hits("/init") != 1 || staging.sim.Hits("/init") != 1 {
		t.Fatalf("expected one handshake each, got prod=%d staging=%d", prod.sim.Hits("/init"), staging.sim.Hits("/init"))
	}
}

func TestMaintenanceRetriesUntilCleared(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, func(c *backendsim.Config) { c.Maintenance = true })
	orch, mock := newOrchestrator(t, baseConfig(prod, "1.0.0"))

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "maintenance", phaseIs(orch, PhaseMaintenance))
	if prod.sim.Hits("/init") != 1 {
		t.Fatalf("expected one handshake before the retry delay")
	}

	advanceUntil(t, mock, time.Second, "second handshake", func() bool { return prod.sim.Hits("/init") >= 2 })
	if st := orch.Status(); st.Phase != PhaseMaintenance {
		t.Fatalf("maintenance should persist across 503s, got %s", st.Phase)
	}

	prod.sim.SetMaintenance(false)
	advanceUntil(t, mock, time.Second, "ready", phaseIs(orch, PhaseReady))
	if orch.Status().Maintenance {
		t.Fatalf("maintenance flag should clear on success")
	}
}

func TestFatalHandshakeSurfacesOnErrors(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	prod.sim.FailInit(http.StatusInternalServerError)
	orch, _ := newOrchestrator(t, baseConfig(prod, "1.0.0"))

	orch.SetCredential(credential.Token("tok"))
	select {
	case err := <-orch.Errors():
		var statusErr *failure.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
			t.Fatalf("expected 500 status error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected fatal error")
	}
	waitFor(t, "error in status", func() bool { return orch.Status().Error != "" })
	if !orch.Status().Loading {
		t.Fatalf("fatal bootstrap must not complete loading")
	}
}

func TestConnectionFailureIsReplayedAfterRecovery(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	orch, mock := newOrchestrator(t, baseConfig(prod, "1.0.0"))

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	prod.sim.SetOutage(true)
	type result struct {
		body map[string]any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		req, err := orch.API().NewRequest(context.Background(), http.MethodGet, "/api/items?page=2", nil)
		if err != nil {
			done <- result{err: err}
			return
		}
		resp, err := orch.API().Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var body map[string]any
		err = json.NewDecoder(resp.Body).Decode(&body)
		done <- result{body: body, err: err}
	}()

	waitFor(t, "request in limbo", func() bool { return len(orch.Pending()) == 1 })
	st := orch.Status()
	if !st.NetworkDown || st.Phase != PhaseNetworkBlocked || st.Pending != 1 {
		t.Fatalf("expected network-blocked with one pending request, got %+v", st)
	}
	select {
	case r := <-done:
		t.Fatalf("request completed during outage: %+v", r)
	default:
	}

	// Failed probes keep the network down.
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if !orch.Status().NetworkDown {
		t.Fatalf("failed probe must not bring the network up")
	}

	prod.sim.SetOutage(false)
	advanceUntil(t, mock, 5*time.Second, "network up", func() bool { return !orch.Status().NetworkDown })

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("replayed request failed: %v", r.err)
		}
		if r.body["path"] != "/items" || r.body["query"] != "page=2" {
			t.Fatalf("unexpected replayed response %v", r.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("request not replayed")
	}
	if hits := prod.sim.Hits("/api/items"); hits != 1 {
		t.Fatalf("expected exactly one delivered request, got %d", hits)
	}
	waitFor(t, "ready", phaseIs(orch, PhaseReady))
}

func TestHealthURLWithQueryStillRecovers(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	cfg := baseConfig(prod, "1.0.0")
	cfg.HealthCheckURL = prod.srv.URL + "/health?src=lifeline"
	orch, mock := newOrchestrator(t, cfg)

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	prod.sim.SetOutage(true)
	done := make(chan error, 1)
	go func() {
		req, err := orch.API().NewRequest(context.Background(), http.MethodGet, "/api/items", nil)
		if err != nil {
			done <- err
			return
		}
		resp, err := orch.API().Do(req)
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()
	waitFor(t, "request in limbo", func() bool { return len(orch.Pending()) == 1 })

	prod.sim.SetOutage(false)
	advanceUntil(t, mock, 5*time.Second, "network up", func() bool { return !orch.Status().NetworkDown })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("replayed request failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("request not replayed")
	}
	if prod.sim.Hits("/health") == 0 {
		t.Fatalf("health check never reached the backend")
	}
	if len(orch.Pending()) != 0 {
		t.Fatalf("health check must not remain in limbo: %v", orch.Pending())
	}
}

func TestOverlayKeepsPhaseWhileDown(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	cfg := baseConfig(prod, "1.0.0")
	cfg.NetworkDownOverlay = true
	orch, _ := newOrchestrator(t, cfg)

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	prod.sim.SetOutage(true)
	go func() {
		resp, err := orch.Client().Get(prod.srv.URL + "/api/ping")
		if err == nil {
			resp.Body.Close()
		}
	}()
	waitFor(t, "network down", func() bool { return orch.Status().NetworkDown })
	if st := orch.Status(); st.Phase != PhaseReady {
		t.Fatalf("overlay should keep ready, got %s", st.Phase)
	}
}

func TestNoHealthURLMeansNoSuspension(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	cfg := baseConfig(prod, "1.0.0")
	cfg.HealthCheckURL = ""
	orch, _ := newOrchestrator(t, cfg)

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	prod.sim.SetOutage(true)
	resp, err := orch.Client().Get(prod.srv.URL + "/api/ping")
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected the failure to reach the caller")
	}
	st := orch.Status()
	if st.NetworkDown || st.Pending != 0 {
		t.Fatalf("network must stay up without a health url, got %+v", st)
	}
}

func TestChannelFollowsCredentialAndNetwork(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, func(c *backendsim.Config) { c.RequireToken = "tok" })
	cfg := baseConfig(prod, "1.0.0")
	cfg.Realtime.Enabled = true
	orch, mock := newOrchestrator(t, cfg)

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "channel connected", func() bool { return orch.Status().ChannelConnected })
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	prod.sim.SetOutage(true)
	waitFor(t, "network down from channel", func() bool {
		st := orch.Status()
		return st.NetworkDown && !st.ChannelConnected
	})

	prod.sim.SetOutage(false)
	advanceUntil(t, mock, 5*time.Second, "network up", func() bool { return !orch.Status().NetworkDown })
	waitFor(t, "channel resumed", func() bool { return orch.Status().ChannelConnected })

	orch.SetCredential(credential.Unset())
	waitFor(t, "channel closed", func() bool { return !orch.Status().ChannelConnected })
}

func TestSubscribersSeeOrderedSnapshots(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	orch, _ := newOrchestrator(t, baseConfig(prod, "1.0.0"))

	var mu sync.Mutex
	var phases []Phase
	cancel := orch.Subscribe(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != st.Phase {
			phases = append(phases, st.Phase)
		}
	})
	defer cancel()

	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "ready delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) > 0 && phases[len(phases)-1] == PhaseReady
	})

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != PhaseLoading {
		t.Fatalf("expected loading -> ready, got %v", phases)
	}
}

func TestCloseFailsSuspendedRequests(t *testing.T) {
	testlog.Start(t)
	prod := startBackend(t, nil)
	orch, err := New(baseConfig(prod, "1.0.0"), WithClock(clock.NewMock()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	orch.SetCredential(credential.Token("tok"))
	waitFor(t, "ready", phaseIs(orch, PhaseReady))

	prod.sim.SetOutage(true)
	done := make(chan error, 1)
	go func() {
		resp, err := orch.Client().Get(prod.srv.URL + "/api/ping")
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		done <- err
	}()
	waitFor(t, "request in limbo", func() bool { return len(orch.Pending()) == 1 })

	orch.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected suspended request to fail on close")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("suspended request not released on close")
	}
	if _, ok := <-orch.Errors(); ok {
		t.Fatalf("errors channel should be closed")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cfg := config.Default()
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
