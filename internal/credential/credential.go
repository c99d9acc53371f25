// Package credential models the host-owned bearer credential as observed by
// the orchestrator: not yet known, known to be absent, or present.
package credential

type state uint8

const (
	stateUnset state = iota
	stateAbsent
	statePresent
)

// Credential is a comparable value; the zero value is Unset.
type Credential struct {
	state state
	token string
}

func Unset() Credential { return Credential{} }

func Absent() Credential { return Credential{state: stateAbsent} }

// Token returns a present credential. An empty token is treated as absent.
func Token(token string) Credential {
	if token == "" {
		return Absent()
	}
	return Credential{state: statePresent, token: token}
}

// Known is false only for Unset.
func (c Credential) Known() bool { return c.state != stateUnset }

func (c Credential) IsAbsent() bool { return c.state == stateAbsent }

// Bearer returns the token and whether one is present.
func (c Credential) Bearer() (string, bool) {
	return c.token, c.state == statePresent
}

func (c Credential) Equal(other Credential) bool { return c == other }

// String never prints the token.
func (c Credential) String() string {
	switch c.state {
	case stateAbsent:
		return "absent"
	case statePresent:
		return "token(redacted)"
	default:
		return "unset"
	}
}
