package hydraulic

import "water-simulator/internal/network"

// LinkState is the runtime mutable subset of a link: status plus the pump
// speed or valve setting. The control engine is the only writer during a
// run; the solver treats it as read-only input.
type LinkState struct {
	Status  network.LinkStatus
	Speed   float64 // pumps, relative
	Setting float64 // valves, headloss coefficient or type-specific setpoint
}

// State is the per-instant solver input: current demands, fixed-grade heads
// and link runtime state. Demands and heads are in model units (L/s, m).
type State struct {
	// Demands maps junction arena index to its current demand in L/s.
	// Negative values model injection.
	Demands map[int]float64
	// FixedHeads maps reservoir and tank arena indices to their hydraulic
	// head in m (tank: elevation + level). Fixed within one solve.
	FixedHeads map[int]float64
	// Links is indexed by link arena index.
	Links []LinkState
}

// InitialLinkStates copies the load-time status/speed/setting of every link
// into a fresh runtime slice.
func InitialLinkStates(m *network.Model) []LinkState {
	states := make([]LinkState, len(m.Links))
	for i := range m.Links {
		l := &m.Links[i]
		states[i] = LinkState{Status: l.Status, Speed: l.Speed, Setting: l.Setting}
	}
	return states
}

// Closed reports whether link i carries no flow under state ls: explicitly
// closed, or a pump at speed zero (which keeps its topological role but is
// hydraulically shut).
func Closed(l *network.Link, ls *LinkState) bool {
	if ls.Status == network.StatusClosed {
		return true
	}
	return l.Kind == network.Pump && ls.Speed <= 0
}

// Result is one converged (or best-effort) hydraulic solution.
type Result struct {
	// Flows per link arena index, L/s, positive in the Node1 -> Node2
	// direction. Closed links carry exactly zero.
	Flows []float64
	// Heads per node arena index, m.
	Heads []float64
	// Demands per node arena index, L/s, after the demand multiplier.
	// Zero for reservoirs and tanks.
	Demands []float64

	Iterations int
	RelError   float64
	// Unbalanced is set when the continue policy accepted a solution that
	// never met the accuracy target.
	Unbalanced bool
}
