// Package session drives a simulation run: it owns the per-run mutable
// state (link statuses, tank levels), advances the clock in hydraulic
// steps, and coordinates external writes, controls, the solver, telemetry
// and reporting.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"water-simulator/internal/control"
	"water-simulator/internal/hydraulic"
	"water-simulator/internal/network"
	"water-simulator/internal/report"
	"water-simulator/internal/telemetry"
)

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// ErrAborted is returned by Run when the session stopped before reaching
// the configured duration.
var ErrAborted = errors.New("session aborted")

// Options tunes run behavior outside the model's own [TIMES]/[OPTIONS].
type Options struct {
	// DrainWait bounds the per-step wait for external writes. Zero means
	// take only what is already queued.
	DrainWait time.Duration
}

// Summary describes a finished run.
type Summary struct {
	State      State
	Steps      int
	Records    int
	Duration   time.Duration // simulated time actually covered
	PumpEnergy map[string]float64
	EnergyCost float64
}

// Session is a single-use run driver.
type Session struct {
	model  *network.Model
	solver *hydraulic.Solver
	engine *control.Engine
	pub    *telemetry.Publisher
	sink   report.Sink
	log    *logrus.Entry
	opts   Options

	mu    sync.Mutex
	state State

	links  []hydraulic.LinkState
	levels map[int]float64 // tank arena index -> level above bottom, m
}

// New wires a session over an already loaded model. sink may be nil for
// runs that only need telemetry; pub must not be nil.
func New(m *network.Model, pub *telemetry.Publisher, sink report.Sink, log *logrus.Entry, opts Options) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	levels := make(map[int]float64)
	for i := range m.Nodes {
		if m.Nodes[i].Kind == network.Tank {
			levels[i] = m.Nodes[i].InitLevel
		}
	}
	return &Session{
		model:  m,
		solver: hydraulic.NewSolver(m),
		engine: control.NewEngine(m),
		pub:    pub,
		sink:   sink,
		log:    log,
		opts:   opts,
		state:  Idle,
		links:  hydraulic.InitialLinkStates(m),
		levels: levels,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// TankLevel returns the current level of the named tank.
func (s *Session) TankLevel(id string) (float64, bool) {
	ni, ok := s.model.NodeIndex(id)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.levels[ni]
	return l, ok
}

// Run executes the simulation until the configured duration or an abort.
// A zero-duration model performs a single steady-state solve and emits one
// record at t=0.
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	if s.State() != Idle {
		return nil, fmt.Errorf("session already started")
	}
	s.setState(Running)

	tc := s.model.Times
	dur := tc.Duration
	step := tc.HydStep
	if step <= 0 {
		step = time.Hour
	}

	sum := &Summary{PumpEnergy: make(map[string]float64)}
	var prev *hydraulic.Result
	var t time.Duration

	fail := func(err error) (*Summary, error) {
		s.setState(Aborted)
		sum.State = Aborted
		sum.Duration = t
		s.event(t, report.EventAborted, "", err.Error())
		return sum, fmt.Errorf("%w at %s: %v", ErrAborted, network.FormatDuration(t), err)
	}

	if dur == 0 {
		res, err := s.step(ctx, 0, 0, &prev)
		if err != nil {
			return fail(err)
		}
		s.report(0, res, sum)
		sum.Steps = 1
		s.setState(Completed)
		sum.State = Completed
		return sum, nil
	}

	for t < dur {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		dt := step
		if rem := dur - t; rem < dt {
			dt = rem
		}
		if next := s.nextBoundary(t); next > t && next-t < dt {
			dt = next - t
		}

		res, err := s.step(ctx, t, dt, &prev)
		if err != nil {
			return fail(err)
		}
		sum.Steps++
		t += dt

		if s.atBoundary(t) {
			s.report(t, res, sum)
		}
		s.accumulateEnergy(res, dt, sum)
	}

	sum.Duration = t
	s.setState(Completed)
	sum.State = Completed
	s.log.WithFields(logrus.Fields{
		"steps":   sum.Steps,
		"records": sum.Records,
	}).Info("run completed")
	return sum, nil
}

// step advances the simulation from t by dt: external writes, controls,
// demands, solve, tank integration, snapshot publish.
func (s *Session) step(ctx context.Context, t, dt time.Duration, prev **hydraulic.Result) (*hydraulic.Result, error) {
	// External writes are the lowest priority layer: anything a control or
	// rule decides this step overrides them.
	for _, w := range s.pub.Drain(ctx, s.opts.DrainWait) {
		s.applyAction(w.Action, "external")
	}

	obs := s.observe(t, *prev)
	for _, act := range s.engine.Apply(obs) {
		s.applyAction(act.Action, act.Source)
		s.event(t, report.EventActuation, s.model.Links[act.Action.Link].ID, act.Source)
	}

	st := &hydraulic.State{
		Demands:    s.currentDemands(t),
		FixedHeads: s.fixedHeads(),
		Links:      s.links,
	}
	res, err := s.solver.Solve(st)
	if err != nil {
		return nil, err
	}
	if res.Unbalanced {
		s.log.WithField("t", network.FormatDuration(t)).Warn("hydraulics unbalanced, continuing")
		s.event(t, report.EventUnbalanced, "", fmt.Sprintf("rel error %.3g", res.RelError))
	}

	if dt > 0 {
		s.integrateTanks(t, dt, res)
	}
	*prev = res
	s.pub.Publish(s.snapshot(t+dt, res))
	return res, nil
}

// observe builds the control engine's view of the instant t.
func (s *Session) observe(t time.Duration, prev *hydraulic.Result) *control.Observation {
	obs := &control.Observation{
		Time:       t,
		Clock:      (s.model.Times.ClockStart + t) % (24 * time.Hour),
		TankLevels: make(map[int]float64, len(s.levels)),
		Links:      s.links,
	}
	for ni, l := range s.levels {
		obs.TankLevels[ni] = l
	}
	if prev != nil {
		obs.Heads = prev.Heads
		obs.Flows = prev.Flows
		obs.Demands = prev.Demands
	}
	return obs
}

// applyAction mutates the runtime link state for one actuation.
func (s *Session) applyAction(a network.Action, source string) {
	l := &s.model.Links[a.Link]
	ls := &s.links[a.Link]
	if a.HasSetting {
		if l.Kind == network.Pump {
			ls.Speed = a.Setting
			if a.Setting > 0 && ls.Status == network.StatusClosed {
				ls.Status = network.StatusOpen
			}
		} else {
			ls.Setting = a.Setting
			ls.Status = network.StatusOpen
		}
	} else {
		st := a.Status
		// reopening a check-valve pipe restores its CV behavior
		if st == network.StatusOpen && l.Status == network.StatusCV {
			st = network.StatusCV
		}
		ls.Status = st
		if l.Kind == network.Pump && st != network.StatusClosed && ls.Speed <= 0 {
			ls.Speed = 1
		}
	}
	s.log.WithFields(logrus.Fields{
		"link":   l.ID,
		"source": source,
	}).Debug("link actuated")
}

// currentDemands evaluates every junction's pattern-scaled demand at t.
func (s *Session) currentDemands(t time.Duration) map[int]float64 {
	out := make(map[int]float64)
	for ni := range s.model.Nodes {
		n := &s.model.Nodes[ni]
		if n.Kind != network.Junction {
			continue
		}
		var d float64
		for _, dem := range n.Demands {
			pat := dem.Pattern
			if pat == "" {
				pat = s.model.Options.DefaultPattern
			}
			d += dem.Base * s.model.PatternMult(pat, t)
		}
		out[ni] = d
	}
	return out
}

// fixedHeads freezes reservoir and tank heads for one solve.
func (s *Session) fixedHeads() map[int]float64 {
	out := make(map[int]float64)
	for ni := range s.model.Nodes {
		n := &s.model.Nodes[ni]
		switch n.Kind {
		case network.Reservoir:
			out[ni] = n.Head
		case network.Tank:
			out[ni] = n.Elevation + s.levels[ni]
		}
	}
	return out
}

// integrateTanks advances each tank level by its net inflow over dt,
// clamping at the configured bounds. Levels are written under s.mu so
// TankLevel stays safe to call while the run is in progress.
func (s *Session) integrateTanks(t, dt time.Duration, res *hydraulic.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ni := range s.model.Nodes {
		n := &s.model.Nodes[ni]
		if n.Kind != network.Tank {
			continue
		}
		var net float64 // m^3/s, positive filling
		for _, li := range s.model.Incident[ni] {
			q := res.Flows[li] / 1000
			if s.model.Links[li].Node2 == ni {
				net += q
			} else {
				net -= q
			}
		}
		area := s.tankArea(n, s.levels[ni])
		if area <= 0 {
			continue
		}
		level := s.levels[ni] + net*dt.Seconds()/area

		if level > n.MaxLevel {
			if !n.Overflow {
				s.event(t+dt, report.EventOverflow, n.ID,
					fmt.Sprintf("level clamped at %.3f", n.MaxLevel))
			}
			level = n.MaxLevel
		}
		if level < n.MinLevel {
			s.event(t+dt, report.EventEmpty, n.ID,
				fmt.Sprintf("level clamped at %.3f", n.MinLevel))
			level = n.MinLevel
		}
		s.levels[ni] = level
	}
}

// tankArea returns the free-surface area at the given level: from the
// volume curve's local slope when one is set, else the cylinder section.
func (s *Session) tankArea(n *network.Node, level float64) float64 {
	if n.VolCurve != "" {
		if c := s.model.CurveByID(n.VolCurve); c != nil {
			const eps = 1e-3
			return (c.Value(level+eps) - c.Value(level-eps)) / (2 * eps)
		}
	}
	d := n.Diameter
	return math.Pi * d * d / 4
}

// snapshot builds the telemetry view of the post-step state.
func (s *Session) snapshot(t time.Duration, res *hydraulic.Result) *telemetry.Snapshot {
	snap := &telemetry.Snapshot{
		Time:  t,
		Nodes: make([]telemetry.NodePoint, len(s.model.Nodes)),
		Links: make([]telemetry.LinkPoint, len(s.model.Links)),
	}
	for ni := range s.model.Nodes {
		n := &s.model.Nodes[ni]
		np := telemetry.NodePoint{Head: res.Heads[ni], Demand: res.Demands[ni]}
		switch n.Kind {
		case network.Junction:
			np.Pressure = res.Heads[ni] - n.Elevation
		case network.Tank:
			np.Level = s.levels[ni]
			np.Head = n.Elevation + s.levels[ni]
		}
		snap.Nodes[ni] = np
	}
	for li := range s.model.Links {
		ls := s.links[li]
		snap.Links[li] = telemetry.LinkPoint{
			Flow:    res.Flows[li],
			Status:  ls.Status,
			Speed:   ls.Speed,
			Setting: ls.Setting,
		}
	}
	return snap
}

// nextBoundary returns the first report boundary strictly after t.
func (s *Session) nextBoundary(t time.Duration) time.Duration {
	rs := s.model.Times.ReportStep
	if rs <= 0 {
		return 0
	}
	start := s.model.Times.ReportStart
	if t < start {
		return start
	}
	k := (t-start)/rs + 1
	return start + k*rs
}

// atBoundary reports whether t is a report boundary. t=0 is not one; the
// first record lands one report step into the run.
func (s *Session) atBoundary(t time.Duration) bool {
	rs := s.model.Times.ReportStep
	if rs <= 0 || t <= 0 {
		return false
	}
	start := s.model.Times.ReportStart
	if t < start {
		return false
	}
	return (t-start)%rs == 0
}

// report emits one record to the sink.
func (s *Session) report(t time.Duration, res *hydraulic.Result, sum *Summary) {
	sum.Records++
	if s.sink == nil {
		return
	}
	rec := &report.Record{
		Time:       t,
		TimeSec:    int64(t / time.Second),
		Nodes:      make([]report.NodeRecord, len(s.model.Nodes)),
		Links:      make([]report.LinkRecord, len(s.model.Links)),
		Iterations: res.Iterations,
		RelError:   res.RelError,
		Unbalanced: res.Unbalanced,
	}
	for ni := range s.model.Nodes {
		n := &s.model.Nodes[ni]
		nr := report.NodeRecord{ID: n.ID, Head: res.Heads[ni], Demand: res.Demands[ni]}
		switch n.Kind {
		case network.Junction:
			nr.Pressure = res.Heads[ni] - n.Elevation
		case network.Tank:
			nr.Level = s.levels[ni]
			nr.Head = n.Elevation + s.levels[ni]
		}
		rec.Nodes[ni] = nr
	}
	for li := range s.model.Links {
		rec.Links[li] = report.LinkRecord{
			ID:      s.model.Links[li].ID,
			Flow:    res.Flows[li],
			Status:  s.links[li].Status.String(),
			Setting: s.links[li].Setting,
		}
	}
	if err := s.sink.WriteRecord(rec); err != nil {
		s.log.WithError(err).Warn("report record dropped")
	}
}

func (s *Session) event(t time.Duration, kind, element, detail string) {
	if s.sink == nil {
		return
	}
	e := &report.Event{
		Time:    t,
		TimeSec: int64(t / time.Second),
		Kind:    kind,
		Element: element,
		Detail:  detail,
	}
	if err := s.sink.WriteEvent(e); err != nil {
		s.log.WithError(err).Warn("report event dropped")
	}
}

// accumulateEnergy adds each running pump's electrical energy over dt to
// the summary, using the global efficiency and price from [ENERGY].
func (s *Session) accumulateEnergy(res *hydraulic.Result, dt time.Duration, sum *Summary) {
	eff := s.model.Energy.Efficiency
	if eff <= 0 {
		eff = 75
	}
	hours := dt.Hours()
	for li := range s.model.Links {
		l := &s.model.Links[li]
		if l.Kind != network.Pump {
			continue
		}
		q := res.Flows[li] / 1000 // m^3/s
		if q <= 0 {
			continue
		}
		gain := res.Heads[l.Node2] - res.Heads[l.Node1]
		if gain <= 0 {
			continue
		}
		kw := 9.81 * q * gain / (eff / 100)
		kwh := kw * hours
		sum.PumpEnergy[l.ID] += kwh
		sum.EnergyCost += kwh * s.model.Energy.Price
	}
}
