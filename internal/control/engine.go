// Package control evaluates simple controls and prioritized rules against
// the current simulation state, producing link actuations applied ahead of
// every hydraulic solve.
package control

import (
	"sort"
	"time"

	"water-simulator/internal/hydraulic"
	"water-simulator/internal/network"
)

// Actuation is one requested link state change, tagged with its origin for
// logging and report diagnostics.
type Actuation struct {
	Link   int
	Action network.Action
	Source string
}

// Observation is the state snapshot the engine evaluates against. Heads,
// Flows and Demands come from the previous solve and are nil on the first
// timestep; conditions that need them stay false until one exists.
type Observation struct {
	Time       time.Duration // elapsed simulated time
	Clock      time.Duration // time of day
	TankLevels map[int]float64
	Heads      []float64
	Flows      []float64
	Demands    []float64
	Links      []hydraulic.LinkState
}

// Engine holds the pre-sorted evaluation lists and the per-control edge
// state. One engine serves exactly one run.
type Engine struct {
	model    *network.Model
	rules    []network.Rule // descending priority, declaration order on ties
	prevCond []bool
}

// NewEngine builds the evaluation lists for a loaded model.
func NewEngine(m *network.Model) *Engine {
	rules := make([]network.Rule, len(m.Rules))
	copy(rules, m.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Seq < rules[j].Seq
	})
	return &Engine{
		model:    m,
		rules:    rules,
		prevCond: make([]bool, len(m.Controls)),
	}
}

// Apply evaluates all controls and rules for one timestep and returns the
// actuations to perform, in application order. Controls are edge-triggered:
// they fire only when their condition turned true since the previous
// timestep. Rules are level-triggered and evaluated by descending priority;
// a link claimed by a higher-priority rule is not touched again by a lower
// (or equal, later-declared) one in the same timestep.
func (e *Engine) Apply(obs *Observation) []Actuation {
	var out []Actuation

	for i := range e.model.Controls {
		c := &e.model.Controls[i]
		cond := e.controlCond(c, obs)
		fire := cond && !e.prevCond[i]
		e.prevCond[i] = cond
		if fire {
			out = append(out, Actuation{
				Link:   c.Action.Link,
				Action: c.Action,
				Source: "control",
			})
		}
	}

	claimed := make(map[int]float64)
	for ri := range e.rules {
		r := &e.rules[ri]
		if !e.ruleSatisfied(r, obs) {
			continue
		}
		for _, a := range r.Actions {
			if pr, ok := claimed[a.Link]; ok && pr >= r.Priority {
				continue
			}
			claimed[a.Link] = r.Priority
			out = append(out, Actuation{
				Link:   a.Link,
				Action: a,
				Source: "rule " + r.Name,
			})
		}
	}
	return out
}

func (e *Engine) controlCond(c *network.Control, obs *Observation) bool {
	switch c.Trigger {
	case network.TriggerAbove:
		return e.nodeLevel(c.Node, obs) > c.Level
	case network.TriggerBelow:
		return e.nodeLevel(c.Node, obs) < c.Level
	case network.TriggerTime:
		return obs.Time >= c.At
	case network.TriggerClock:
		return obs.Clock >= c.At
	}
	return false
}

// nodeLevel is the threshold quantity of a control condition: tank level
// for tanks, pressure above elevation for junctions, head for reservoirs.
func (e *Engine) nodeLevel(ni int, obs *Observation) float64 {
	n := &e.model.Nodes[ni]
	switch n.Kind {
	case network.Tank:
		return obs.TankLevels[ni]
	case network.Reservoir:
		if obs.Heads != nil {
			return obs.Heads[ni]
		}
		return n.Head
	default:
		if obs.Heads == nil {
			return 0
		}
		return obs.Heads[ni] - n.Elevation
	}
}

func (e *Engine) ruleSatisfied(r *network.Rule, obs *Observation) bool {
	for _, c := range r.Conditions {
		if !e.condHolds(&c, obs) {
			return false
		}
	}
	return true
}

func (e *Engine) condHolds(c *network.Condition, obs *Observation) bool {
	switch c.Object {
	case network.ObjSystem:
		switch c.Attr {
		case network.AttrTime:
			return cmp(obs.Time.Seconds(), c.Op, c.Value)
		case network.AttrClockTime:
			return cmp(obs.Clock.Seconds(), c.Op, c.Value)
		}
		return false
	case network.ObjNode:
		n := &e.model.Nodes[c.Index]
		var v float64
		switch c.Attr {
		case network.AttrLevel:
			if n.Kind == network.Tank {
				v = obs.TankLevels[c.Index]
			} else {
				if obs.Heads == nil {
					return false
				}
				v = obs.Heads[c.Index] - n.Elevation
			}
		case network.AttrHead:
			if n.Kind == network.Tank {
				v = n.Elevation + obs.TankLevels[c.Index]
			} else {
				if obs.Heads == nil {
					return false
				}
				v = obs.Heads[c.Index]
			}
		case network.AttrPressure:
			if obs.Heads == nil {
				return false
			}
			v = obs.Heads[c.Index] - n.Elevation
		case network.AttrDemand:
			if obs.Demands == nil {
				return false
			}
			v = obs.Demands[c.Index]
		default:
			return false
		}
		return cmp(v, c.Op, c.Value)
	case network.ObjLink:
		ls := obs.Links[c.Index]
		switch c.Attr {
		case network.AttrFlow:
			if obs.Flows == nil {
				return false
			}
			return cmp(obs.Flows[c.Index], c.Op, c.Value)
		case network.AttrStatus:
			eq := ls.Status == c.Status
			if c.Op == network.OpNE {
				return !eq
			}
			return eq
		case network.AttrSetting:
			v := ls.Setting
			if e.model.Links[c.Index].Kind == network.Pump {
				v = ls.Speed
			}
			return cmp(v, c.Op, c.Value)
		}
	}
	return false
}

func cmp(v float64, op network.RuleOp, ref float64) bool {
	switch op {
	case network.OpEQ:
		return v == ref
	case network.OpNE:
		return v != ref
	case network.OpLT:
		return v < ref
	case network.OpGT:
		return v > ref
	case network.OpLE:
		return v <= ref
	case network.OpGE:
		return v >= ref
	}
	return false
}
