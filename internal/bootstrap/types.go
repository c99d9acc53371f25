package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danmuck/lifeline/internal/version"
)

// Target selects the backend the client talks to.
type Target string

const (
	TargetProduction Target = "production"
	TargetStaging    Target = "staging"
)

func (t Target) Valid() bool {
	return t == TargetProduction || t == TargetStaging
}

// State is the sequencer lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateHandshaking State = "handshaking"
	StateMaintenance State = "maintenance"
	StateReady       State = "ready"
	StateFailed      State = "failed"
)

// RoutesKey is the handshake field carrying the opaque routing configuration.
const RoutesKey = "routes"

// AppConfig is every handshake field other than the version triple.
type AppConfig map[string]json.RawMessage

// Decode unmarshals the field key into out.
func (c AppConfig) Decode(key string, out any) error {
	raw, ok := c[key]
	if !ok {
		return fmt.Errorf("bootstrap: config field %q not present", key)
	}
	return json.Unmarshal(raw, out)
}

func (c AppConfig) Routes() json.RawMessage {
	return c[RoutesKey]
}

func (c AppConfig) Clone() AppConfig {
	if c == nil {
		return nil
	}
	out := make(AppConfig, len(c))
	for k, v := range c {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Result is a successful handshake interpreted against the installed version.
type Result struct {
	Target   Target
	Versions version.Info
	Decision version.Decision
	Config   AppConfig
}

// Notifier is told about a recommended update before loading completes.
// force is true when the installed version is below the minimum.
type Notifier interface {
	NotifyUpdate(ctx context.Context, force bool) error
}

type NotifierFunc func(ctx context.Context, force bool) error

func (f NotifierFunc) NotifyUpdate(ctx context.Context, force bool) error {
	return f(ctx, force)
}

// Observer receives sequencer outcomes. Calls are made from the sequencer
// goroutine, in order, and never after Close returns.
type Observer interface {
	TargetChanged(target Target)
	Maintenance(active bool)
	// Committed publishes the handshake config; loading is still in progress.
	Committed(result Result)
	// Loaded marks the end of the loading phase.
	Loaded()
	Fatal(err error)
}
