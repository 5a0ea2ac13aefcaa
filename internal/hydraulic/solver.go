package hydraulic

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"water-simulator/internal/network"
)

// ErrNotConverged is reported when the trial budget runs out under the Stop
// unbalanced policy.
var ErrNotConverged = errors.New("hydraulics not converged")

// SolveError carries the diagnostics of a failed solve.
type SolveError struct {
	Trials   int
	RelError float64
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("hydraulics not converged after %d trials (relative flow change %.3g)", e.Trials, e.RelError)
}

func (e *SolveError) Unwrap() error { return ErrNotConverged }

// Solver computes a steady-state hydraulic solution for one instant using
// the global gradient method: node heads and link flows are the unknowns,
// each trial linearizes the link headloss relations around the current flow
// estimate and solves the resulting symmetric positive-definite continuity
// system for the junction heads.
type Solver struct {
	model *network.Model
	opts  network.Options

	row       []int // node arena index -> junction matrix row, -1 if fixed
	junctions []int // matrix row -> node arena index
	pipes     []pipeCoeffs
	pumps     map[int]pumpCurve

	damping float64
}

// NewSolver prepares per-link coefficients for the model. Options are taken
// from the model and may be overridden on the returned solver's opts field
// before the first Solve.
func NewSolver(m *network.Model) *Solver {
	s := &Solver{
		model:   m,
		opts:    m.Options,
		row:     make([]int, len(m.Nodes)),
		pipes:   make([]pipeCoeffs, len(m.Links)),
		pumps:   make(map[int]pumpCurve),
		damping: 0.6,
	}
	for i := range m.Nodes {
		if m.Nodes[i].Kind == network.Junction {
			s.row[i] = len(s.junctions)
			s.junctions = append(s.junctions, i)
		} else {
			s.row[i] = -1
		}
	}
	for i := range m.Links {
		l := &m.Links[i]
		switch l.Kind {
		case network.Pipe:
			s.pipes[i] = newPipeCoeffs(l, &s.opts)
		case network.Pump:
			if l.HeadCurve != "" {
				s.pumps[i] = newPumpCurve(m.CurveByID(l.HeadCurve))
			}
		}
	}
	return s
}

// Options returns the solver's effective options.
func (s *Solver) Options() network.Options { return s.opts }

// SetOptions overrides the solver options (tolerance, trials, policy).
func (s *Solver) SetOptions(o network.Options) { s.opts = o }

// Solve runs the gradient iteration for the given runtime state. On
// convergence failure the Continue policy returns the best estimate with
// Result.Unbalanced set; the Stop policy returns a *SolveError.
func (s *Solver) Solve(st *State) (*Result, error) {
	m := s.model
	nl := len(m.Links)

	active := make([]bool, nl)
	cvShut := make([]bool, nl)
	for i := range m.Links {
		active[i] = !Closed(&m.Links[i], &st.Links[i])
	}

	fixed := s.fixedHeads(st)
	demand := make([]float64, len(m.Nodes)) // m^3/s
	for ni, d := range st.Demands {
		demand[ni] = d * s.opts.DemandMultiplier / 1000
	}

	q := s.initialFlows(st, active)
	heads := make([]float64, len(m.Nodes))
	for ni, h := range fixed {
		heads[ni] = h
	}

	maxTrials := s.opts.Trials
	if maxTrials <= 0 {
		maxTrials = 40
	}
	budget := maxTrials
	if s.opts.Unbalanced == network.UnbalancedContinue {
		budget += s.opts.ExtraTrials
	}

	relErr := math.Inf(1)
	iters := 0
	converged := false
	for trial := 1; trial <= budget; trial++ {
		iters = trial
		p := make([]float64, nl)
		y := make([]float64, nl)
		for i := range m.Links {
			if !active[i] || cvShut[i] {
				continue
			}
			h, g := s.linkHeadloss(i, st, q[i])
			p[i] = 1 / g
			y[i] = p[i] * h
		}

		if err := s.solveHeads(st, active, cvShut, p, y, q, demand, fixed, heads); err != nil {
			return nil, err
		}

		// Damped trials: once inside the damp limit, or during the extra
		// trials of the continue policy, flow updates are relaxed.
		lambda := 1.0
		if s.opts.DampLimit > 0 && relErr <= s.opts.DampLimit {
			lambda = s.damping
		}
		if trial > maxTrials {
			lambda = s.damping
		}

		var dqSum, qSum float64
		for i := range m.Links {
			if !active[i] || cvShut[i] {
				continue
			}
			a, b := m.Links[i].Node1, m.Links[i].Node2
			dq := -y[i] + p[i]*(heads[a]-heads[b])
			qn := q[i] + lambda*dq
			if m.Links[i].Kind == network.Pump && qn < 0 {
				qn = 0
			}
			dqSum += math.Abs(qn - q[i])
			qSum += math.Abs(qn)
			q[i] = qn
		}
		// With every flow path shut the flows sit at numerical zero and the
		// relative norm is noise; such a network is converged by definition.
		if qSum > quiescentFlow {
			relErr = dqSum / qSum
		} else {
			relErr = 0
		}

		if relErr <= s.opts.Accuracy {
			if s.adjustCheckValves(st, active, cvShut, q, heads) {
				continue
			}
			converged = true
			break
		}
	}

	if !converged {
		if s.opts.Unbalanced == network.UnbalancedStop {
			return nil, &SolveError{Trials: iters, RelError: relErr}
		}
	}

	res := &Result{
		Flows:      make([]float64, nl),
		Heads:      heads,
		Demands:    make([]float64, len(m.Nodes)),
		Iterations: iters,
		RelError:   relErr,
		Unbalanced: !converged,
	}
	for i := range m.Links {
		if active[i] && !cvShut[i] {
			res.Flows[i] = q[i] * 1000
		}
	}
	for _, ni := range s.junctions {
		res.Demands[ni] = demand[ni] * 1000
	}
	return res, nil
}

// fixedHeads resolves the head of every reservoir and tank for this solve.
func (s *Solver) fixedHeads(st *State) map[int]float64 {
	out := make(map[int]float64)
	for i := range s.model.Nodes {
		n := &s.model.Nodes[i]
		switch n.Kind {
		case network.Reservoir:
			if h, ok := st.FixedHeads[i]; ok {
				out[i] = h
			} else {
				out[i] = n.Head
			}
		case network.Tank:
			if h, ok := st.FixedHeads[i]; ok {
				out[i] = h
			} else {
				out[i] = n.Elevation + n.InitLevel
			}
		}
	}
	return out
}

// initialFlows seeds each active link: pipes and valves at a nominal
// velocity, curve pumps at their design point, power pumps at a token flow.
func (s *Solver) initialFlows(st *State, active []bool) []float64 {
	q := make([]float64, len(s.model.Links))
	for i := range s.model.Links {
		if !active[i] {
			continue
		}
		l := &s.model.Links[i]
		switch l.Kind {
		case network.Pump:
			w := st.Links[i].Speed
			if pc, ok := s.pumps[i]; ok && len(pc.q) > 1 {
				q[i] = pc.q[len(pc.q)/2] * w
			} else {
				q[i] = 1e-3 * w
			}
		default:
			d := l.Diameter / 1000
			q[i] = 0.3048 * math.Pi * d * d / 4
		}
		if q[i] <= 0 {
			q[i] = 1e-4
		}
	}
	return q
}

// linkHeadloss dispatches to the per-kind headloss model, returning h(q)
// and a floored gradient.
func (s *Solver) linkHeadloss(i int, st *State, q float64) (h, g float64) {
	l := &s.model.Links[i]
	switch l.Kind {
	case network.Pipe:
		return s.pipes[i].eval(q)
	case network.Pump:
		w := st.Links[i].Speed
		if pc, ok := s.pumps[i]; ok {
			return pc.pumpEval(q, w)
		}
		return powerPumpEval(q, l.Power, w)
	default:
		return valveCoeffs(l, st.Links[i].Setting).eval(q)
	}
}

// solveHeads assembles and solves the junction continuity system
// A*H = F for the current linearization.
func (s *Solver) solveHeads(st *State, active, cvShut []bool, p, y, q, demand []float64, fixed map[int]float64, heads []float64) error {
	n := len(s.junctions)
	if n == 0 {
		return nil
	}
	a := mat.NewSymDense(n, nil)
	f := mat.NewVecDense(n, nil)

	for _, ni := range s.junctions {
		f.SetVec(s.row[ni], -demand[ni])
	}
	for i := range s.model.Links {
		if !active[i] || cvShut[i] {
			continue
		}
		l := &s.model.Links[i]
		ra, rb := s.row[l.Node1], s.row[l.Node2]
		// signed net-flow term: +(q-y) into Node2, -(q-y) out of Node1
		if ra >= 0 {
			a.SetSym(ra, ra, a.At(ra, ra)+p[i])
			f.SetVec(ra, f.AtVec(ra)-(q[i]-y[i]))
		}
		if rb >= 0 {
			a.SetSym(rb, rb, a.At(rb, rb)+p[i])
			f.SetVec(rb, f.AtVec(rb)+(q[i]-y[i]))
		}
		switch {
		case ra >= 0 && rb >= 0:
			a.SetSym(ra, rb, a.At(ra, rb)-p[i])
		case ra >= 0:
			f.SetVec(ra, f.AtVec(ra)+p[i]*fixed[l.Node2])
		case rb >= 0:
			f.SetVec(rb, f.AtVec(rb)+p[i]*fixed[l.Node1])
		}
	}

	// Junctions isolated by closed links get their elevation as head so the
	// system stays non-singular.
	for r, ni := range s.junctions {
		if a.At(r, r) == 0 {
			a.SetSym(r, r, 1)
			f.SetVec(r, s.model.Nodes[ni].Elevation)
		}
	}

	var x mat.VecDense
	var ch mat.Cholesky
	if ch.Factorize(a) {
		if err := ch.SolveVecTo(&x, f); err != nil {
			return fmt.Errorf("head system solve: %w", err)
		}
	} else {
		// Near-singular topologies fall back to a pivoted dense solve.
		var lu mat.LU
		var dense mat.Dense
		dense.CloneFrom(a)
		lu.Factorize(&dense)
		if err := lu.SolveVecTo(&x, false, f); err != nil {
			return fmt.Errorf("head system solve: %w", err)
		}
	}
	for r, ni := range s.junctions {
		heads[ni] = x.AtVec(r)
	}
	return nil
}

// adjustCheckValves closes any check-valve pipe whose converged flow runs
// Node2 -> Node1 and reopens shut ones whose head gradient turned
// favorable again. Reports whether any status changed.
func (s *Solver) adjustCheckValves(st *State, active, cvShut []bool, q, heads []float64) bool {
	changed := false
	for i := range s.model.Links {
		l := &s.model.Links[i]
		if l.Kind != network.Pipe || st.Links[i].Status != network.StatusCV || !active[i] {
			continue
		}
		if cvShut[i] {
			if heads[l.Node1] > heads[l.Node2] {
				cvShut[i] = false
				d := l.Diameter / 1000
				q[i] = 0.3048 * math.Pi * d * d / 4
				changed = true
			}
			continue
		}
		if q[i] < -zeroFlow {
			cvShut[i] = true
			q[i] = 0
			changed = true
		}
	}
	return changed
}
