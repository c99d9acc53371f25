package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component derives a child of the global logger for one package. Call it
// after logging is configured; the child keeps the writer it was built with.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
