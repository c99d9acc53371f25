// Package version compares semantic versions reported by the backend handshake
// against the installed client version.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var ErrEmptyVersion = errors.New("version: empty version")

// Info is the version triple returned by the handshake. Empty fields are unknown.
type Info struct {
	Current     string `json:"current_version,omitempty"`
	Recommended string `json:"recommended_version,omitempty"`
	Minimum     string `json:"minimum_version,omitempty"`
}

// Decision holds the gating booleans derived from Info and the installed version.
type Decision struct {
	StagingRequired bool `json:"staging_required"`
	NeedsUpdate     bool `json:"needs_update"`
	ShouldUpdate    bool `json:"should_update"`
}

// Evaluate derives every gating boolean for installed in one pass.
func (i Info) Evaluate(installed string) Decision {
	return Decision{
		StagingRequired: StagingRequired(installed, i.Current),
		NeedsUpdate:     NeedsUpdate(installed, i.Minimum),
		ShouldUpdate:    ShouldUpdate(installed, i.Recommended),
	}
}

// Parse accepts "1.2.3", "v1.2.3" and pre-release/build suffixes.
func Parse(raw string) (*semver.Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyVersion
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("version: parse %q: %w", raw, err)
	}
	return v, nil
}

// Compare returns -1, 0 or +1 following semver precedence.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// StagingRequired reports installed > current: the client is ahead of production.
func StagingRequired(installed, current string) bool {
	return greater(installed, current)
}

// NeedsUpdate reports minimum > installed.
func NeedsUpdate(installed, minimum string) bool {
	return greater(minimum, installed)
}

// ShouldUpdate reports recommended > installed.
func ShouldUpdate(installed, recommended string) bool {
	return greater(recommended, installed)
}

// greater is false whenever either side is missing or unparsable.
func greater(a, b string) bool {
	cmp, err := Compare(a, b)
	return err == nil && cmp > 0
}
