package orchestrator

// Phase is the externally observable orchestrator state.
type Phase string

const (
	PhaseLoading        Phase = "loading"
	PhaseMaintenance    Phase = "maintenance"
	PhaseNetworkBlocked Phase = "network-blocked"
	PhaseNeedsUpdate    Phase = "needs-update"
	PhaseReady          Phase = "ready"
)

func Phases() []Phase {
	return []Phase{PhaseLoading, PhaseMaintenance, PhaseNetworkBlocked, PhaseNeedsUpdate, PhaseReady}
}

// Flags are the inputs of Project.
type Flags struct {
	Loading     bool
	Maintenance bool
	NeedsUpdate bool
	NetworkDown bool
	// Overlay keeps normal phases while the network is down; NetworkDown is
	// then only an auxiliary signal.
	Overlay bool
}

// Project derives the phase. First match wins.
func Project(f Flags) Phase {
	switch {
	case f.NetworkDown && !f.Overlay:
		return PhaseNetworkBlocked
	case f.Maintenance:
		return PhaseMaintenance
	case f.Loading:
		return PhaseLoading
	case f.NeedsUpdate:
		return PhaseNeedsUpdate
	default:
		return PhaseReady
	}
}

func phaseNames() []string {
	phases := Phases()
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
