package network

import "time"

// NodeKind discriminates the node variants stored in the node arena.
type NodeKind int

const (
	Junction NodeKind = iota
	Reservoir
	Tank
)

func (k NodeKind) String() string {
	switch k {
	case Junction:
		return "junction"
	case Reservoir:
		return "reservoir"
	case Tank:
		return "tank"
	}
	return "unknown"
}

// LinkKind discriminates the link variants stored in the link arena.
type LinkKind int

const (
	Pipe LinkKind = iota
	Pump
	Valve
)

func (k LinkKind) String() string {
	switch k {
	case Pipe:
		return "pipe"
	case Pump:
		return "pump"
	case Valve:
		return "valve"
	}
	return "unknown"
}

// LinkStatus is the static or runtime open/closed state of a link.
// StatusCV marks a pipe with a check valve: flow may only run Node1 -> Node2.
type LinkStatus int

const (
	StatusOpen LinkStatus = iota
	StatusClosed
	StatusCV
)

func (s LinkStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusCV:
		return "CV"
	}
	return "UNKNOWN"
}

// ValveType selects the constraint a valve imposes on its link.
type ValveType int

const (
	PRV ValveType = iota // pressure reducing
	PSV                  // pressure sustaining
	PBV                  // pressure breaker
	FCV                  // flow control
	TCV                  // throttle control
	GPV                  // general purpose
)

func (v ValveType) String() string {
	switch v {
	case PRV:
		return "PRV"
	case PSV:
		return "PSV"
	case PBV:
		return "PBV"
	case FCV:
		return "FCV"
	case TCV:
		return "TCV"
	case GPV:
		return "GPV"
	}
	return "UNKNOWN"
}

// Demand is one demand category attached to a junction. Base is in flow
// units (L/s); Pattern optionally names a time pattern.
type Demand struct {
	Base    float64
	Pattern string
}

// Node is the tagged union for junctions, reservoirs and tanks. Only the
// fields of the active Kind are meaningful. All values are immutable after
// load; the evolving tank level lives in the run session, not here.
type Node struct {
	ID        string
	Kind      NodeKind
	Elevation float64

	// Junction
	Demands []Demand

	// Reservoir: fixed head (m) and optional head pattern.
	Head        float64
	HeadPattern string

	// Tank geometry. Levels are relative to Elevation, Diameter in m.
	InitLevel float64
	MinLevel  float64
	MaxLevel  float64
	Diameter  float64
	MinVolume float64
	VolCurve  string // optional volume-vs-level curve overriding Diameter
	Overflow  bool

	// Layout coordinates, kept for round-tripping.
	X, Y  float64
	HasXY bool
}

// BaseDemand returns the sum of all demand category bases.
func (n *Node) BaseDemand() float64 {
	var d float64
	for _, c := range n.Demands {
		d += c.Base
	}
	return d
}

// Link is the tagged union for pipes, pumps and valves. Node1/Node2 are
// arena indices into Model.Nodes. InitStatus, InitSpeed and InitSetting are
// the load-time values; the mutable copies live in the run session.
type Link struct {
	ID     string
	Kind   LinkKind
	Node1  int
	Node2  int
	Status LinkStatus

	// Pipe: Length m, Diameter mm, Roughness is Hazen-Williams C or
	// Darcy-Weisbach roughness in mm, MinorLoss dimensionless.
	Length    float64
	Diameter  float64
	Roughness float64
	MinorLoss float64

	// Pump: either HeadCurve or Power (kW) is set. Speed is the initial
	// relative speed; a [STATUS] override may force it to 0.
	HeadCurve    string
	Power        float64
	Speed        float64
	SpeedPattern string

	// Valve
	Valve   ValveType
	Setting float64
}

// Pattern is a cyclic sequence of multipliers stepped at the pattern
// timestep, starting from the pattern start offset.
type Pattern struct {
	ID          string
	Multipliers []float64
}

// Curve is an ordered X/Y table; interpretation depends on the consumer
// (pump head vs flow, and so on). X must be strictly increasing.
type Curve struct {
	ID string
	X  []float64
	Y  []float64
}

// Value interpolates the curve at x, clamping beyond the end points.
func (c *Curve) Value(x float64) float64 {
	if len(c.X) == 0 {
		return 0
	}
	if x <= c.X[0] {
		return c.Y[0]
	}
	n := len(c.X)
	if x >= c.X[n-1] {
		return c.Y[n-1]
	}
	for i := 1; i < n; i++ {
		if x <= c.X[i] {
			f := (x - c.X[i-1]) / (c.X[i] - c.X[i-1])
			return c.Y[i-1] + f*(c.Y[i]-c.Y[i-1])
		}
	}
	return c.Y[n-1]
}

// ControlTrigger is the condition class of a simple control.
type ControlTrigger int

const (
	TriggerAbove ControlTrigger = iota // node level rises above threshold
	TriggerBelow                       // node level drops below threshold
	TriggerTime                        // elapsed simulation time reached
	TriggerClock                       // wall clock time-of-day reached
)

// Action sets a link's status or numeric setting. Exactly one of Status or
// Setting applies, selected by HasSetting.
type Action struct {
	Link       int
	HasSetting bool
	Setting    float64
	Status     LinkStatus
}

// Control is a single-condition control statement. Seq is the declaration
// order, used for deterministic tie-breaking.
type Control struct {
	Action  Action
	Trigger ControlTrigger
	Node    int           // threshold triggers
	Level   float64       // threshold value (tank level or junction pressure)
	At      time.Duration // time triggers
	Seq     int
}

// RuleObject is the subject class of a rule condition.
type RuleObject int

const (
	ObjNode RuleObject = iota
	ObjLink
	ObjSystem
)

// RuleAttr is the attribute a rule condition inspects.
type RuleAttr int

const (
	AttrLevel RuleAttr = iota
	AttrHead
	AttrPressure
	AttrDemand
	AttrFlow
	AttrStatus
	AttrSetting
	AttrTime
	AttrClockTime
)

// RuleOp is a comparison operator in a rule condition.
type RuleOp int

const (
	OpEQ RuleOp = iota
	OpNE
	OpLT
	OpGT
	OpLE
	OpGE
)

// Condition is one conjunct of a rule premise.
type Condition struct {
	Object RuleObject
	Index  int // node or link arena index; unused for ObjSystem
	Attr   RuleAttr
	Op     RuleOp
	Value  float64
	Status LinkStatus // for AttrStatus comparisons
}

// Rule is a prioritized multi-condition control. All conditions must hold
// for the actions to fire. Higher Priority wins conflicts; Seq breaks ties.
type Rule struct {
	Name       string
	Conditions []Condition
	Actions    []Action
	Priority   float64
	Seq        int
}

// TimeConfig carries all timing parameters of a run.
type TimeConfig struct {
	Duration     time.Duration
	HydStep      time.Duration
	QualStep     time.Duration
	PatternStep  time.Duration
	PatternStart time.Duration
	ReportStep   time.Duration
	ReportStart  time.Duration
	ClockStart   time.Duration // time of day at simulation start
}

// HeadlossFormula selects the pipe friction model.
type HeadlossFormula int

const (
	HazenWilliams HeadlossFormula = iota
	DarcyWeisbach
)

func (f HeadlossFormula) String() string {
	if f == DarcyWeisbach {
		return "D-W"
	}
	return "H-W"
}

// UnbalancedPolicy says what to do when the solver exhausts its trials.
type UnbalancedPolicy int

const (
	UnbalancedStop UnbalancedPolicy = iota
	UnbalancedContinue
)

// Options are the solver and demand options of a model.
type Options struct {
	Headloss         HeadlossFormula
	Accuracy         float64
	Trials           int
	Unbalanced       UnbalancedPolicy
	ExtraTrials      int
	DampLimit        float64
	DemandMultiplier float64
	Viscosity        float64 // relative kinematic viscosity for D-W
	DefaultPattern   string
	Units            string
}

// Energy holds the global pump energy accounting parameters.
type Energy struct {
	Efficiency   float64 // percent
	Price        float64 // per kWh
	DemandCharge float64
}

// Model is the loaded, validated hydraulic network. Everything here is
// immutable for the lifetime of a simulation session.
type Model struct {
	Title    []string
	Nodes    []Node
	Links    []Link
	Patterns []Pattern
	Curves   []Curve
	Controls []Control
	Rules    []Rule
	Times    TimeConfig
	Options  Options
	Energy   Energy
	Report   []string // raw [REPORT] lines, carried verbatim

	nodeIndex    map[string]int
	linkIndex    map[string]int
	patternIndex map[string]int
	curveIndex   map[string]int

	// Incident[i] lists the link indices touching node i, built at load.
	Incident [][]int
}

// NodeIndex resolves a node ID to its arena index.
func (m *Model) NodeIndex(id string) (int, bool) {
	i, ok := m.nodeIndex[id]
	return i, ok
}

// LinkIndex resolves a link ID to its arena index.
func (m *Model) LinkIndex(id string) (int, bool) {
	i, ok := m.linkIndex[id]
	return i, ok
}

// PatternByID returns the named pattern, or nil.
func (m *Model) PatternByID(id string) *Pattern {
	if i, ok := m.patternIndex[id]; ok {
		return &m.Patterns[i]
	}
	return nil
}

// CurveByID returns the named curve, or nil.
func (m *Model) CurveByID(id string) *Curve {
	if i, ok := m.curveIndex[id]; ok {
		return &m.Curves[i]
	}
	return nil
}

// NodesOfKind returns the arena indices of all nodes of kind k, in
// declaration order.
func (m *Model) NodesOfKind(k NodeKind) []int {
	var out []int
	for i := range m.Nodes {
		if m.Nodes[i].Kind == k {
			out = append(out, i)
		}
	}
	return out
}

// LinksOfKind returns the arena indices of all links of kind k, in
// declaration order.
func (m *Model) LinksOfKind(k LinkKind) []int {
	var out []int
	for i := range m.Links {
		if m.Links[i].Kind == k {
			out = append(out, i)
		}
	}
	return out
}

// PatternMult returns the multiplier of the named pattern at elapsed time t,
// cycling over the pattern length. An empty or unknown name yields 1.
func (m *Model) PatternMult(name string, t time.Duration) float64 {
	if name == "" {
		return 1
	}
	p := m.PatternByID(name)
	if p == nil || len(p.Multipliers) == 0 {
		return 1
	}
	step := m.Times.PatternStep
	if step <= 0 {
		step = time.Hour
	}
	idx := int((t+m.Times.PatternStart)/step) % len(p.Multipliers)
	if idx < 0 {
		idx += len(p.Multipliers)
	}
	return p.Multipliers[idx]
}

func (m *Model) buildIndexes() {
	m.nodeIndex = make(map[string]int, len(m.Nodes))
	for i := range m.Nodes {
		m.nodeIndex[m.Nodes[i].ID] = i
	}
	m.linkIndex = make(map[string]int, len(m.Links))
	for i := range m.Links {
		m.linkIndex[m.Links[i].ID] = i
	}
	m.patternIndex = make(map[string]int, len(m.Patterns))
	for i := range m.Patterns {
		m.patternIndex[m.Patterns[i].ID] = i
	}
	m.curveIndex = make(map[string]int, len(m.Curves))
	for i := range m.Curves {
		m.curveIndex[m.Curves[i].ID] = i
	}
	m.Incident = make([][]int, len(m.Nodes))
	for i := range m.Links {
		l := &m.Links[i]
		m.Incident[l.Node1] = append(m.Incident[l.Node1], i)
		m.Incident[l.Node2] = append(m.Incident[l.Node2], i)
	}
}
