package control

import (
	"strings"
	"testing"
	"time"

	"water-simulator/internal/hydraulic"
	"water-simulator/internal/network"
)

const baseINP = `
[RESERVOIRS]
R1	5
[TANKS]
T1	0	10	0	20	50
[JUNCTIONS]
J1	0	0
[PIPES]
P1	J1	T1	100	300	100
[PUMPS]
PU1	R1	J1	HEAD	C1
[CURVES]
C1	50	40
`

func load(t *testing.T, inp string) *network.Model {
	t.Helper()
	m, err := network.Load(strings.NewReader(inp))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return m
}

func obsAt(m *network.Model, tm time.Duration, levels map[string]float64) *Observation {
	obs := &Observation{
		Time:       tm,
		Clock:      tm % (24 * time.Hour),
		TankLevels: make(map[int]float64),
		Links:      hydraulic.InitialLinkStates(m),
	}
	for id, l := range levels {
		ni, _ := m.NodeIndex(id)
		obs.TankLevels[ni] = l
	}
	return obs
}

func TestControlEdgeTriggered(t *testing.T) {
	m := load(t, baseINP+`
[CONTROLS]
LINK	PU1	CLOSED	IF	NODE	T1	ABOVE	15
`)
	e := NewEngine(m)

	// below threshold: nothing fires
	if acts := e.Apply(obsAt(m, 0, map[string]float64{"T1": 10})); len(acts) != 0 {
		t.Fatalf("unexpected actuations %v", acts)
	}

	// crossing the threshold fires once
	acts := e.Apply(obsAt(m, time.Hour, map[string]float64{"T1": 16}))
	if len(acts) != 1 {
		t.Fatalf("actuations = %v, want one", acts)
	}
	if acts[0].Source != "control" || acts[0].Action.Status != network.StatusClosed {
		t.Fatalf("actuation = %+v", acts[0])
	}

	// condition still true: edge-triggered controls stay quiet
	if acts := e.Apply(obsAt(m, 2*time.Hour, map[string]float64{"T1": 17})); len(acts) != 0 {
		t.Fatalf("re-fired while condition held: %v", acts)
	}

	// falls below, then crosses again: fires again
	e.Apply(obsAt(m, 3*time.Hour, map[string]float64{"T1": 12}))
	if acts := e.Apply(obsAt(m, 4*time.Hour, map[string]float64{"T1": 16})); len(acts) != 1 {
		t.Fatalf("expected re-fire on new rising edge, got %v", acts)
	}
}

func TestTimeAndClockControls(t *testing.T) {
	m := load(t, baseINP+`
[CONTROLS]
LINK	PU1	CLOSED	AT	TIME	2:00
LINK	P1	CLOSED	AT	CLOCKTIME	6:00
`)
	e := NewEngine(m)

	if acts := e.Apply(obsAt(m, 0, nil)); len(acts) != 0 {
		t.Fatalf("fired early: %v", acts)
	}
	acts := e.Apply(obsAt(m, 2*time.Hour, nil))
	if len(acts) != 1 {
		t.Fatalf("time control: %v", acts)
	}
	// clocktime trigger fires when the wall clock passes 6:00
	acts = e.Apply(obsAt(m, 6*time.Hour, nil))
	if len(acts) != 1 {
		t.Fatalf("clock control: %v", acts)
	}
	li, _ := m.LinkIndex("P1")
	if acts[0].Action.Link != li {
		t.Fatalf("clock control targeted %d, want P1 (%d)", acts[0].Action.Link, li)
	}
}

func TestRulePriorityHigherWins(t *testing.T) {
	m := load(t, baseINP+`
[RULES]
RULE	OPENER
IF	TANK	T1	LEVEL	BELOW	15
THEN	PUMP	PU1	STATUS	IS	OPEN
PRIORITY	1

RULE	CLOSER
IF	SYSTEM	TIME	>=	0:00
THEN	PUMP	PU1	STATUS	IS	CLOSED
PRIORITY	2
`)
	e := NewEngine(m)

	// both rules are satisfied; priority 2 claims the pump first and the
	// priority 1 action is suppressed.
	acts := e.Apply(obsAt(m, time.Hour, map[string]float64{"T1": 10}))
	if len(acts) != 1 {
		t.Fatalf("actuations = %+v, want exactly one", acts)
	}
	if acts[0].Source != "rule CLOSER" {
		t.Fatalf("winning rule = %q, want CLOSER", acts[0].Source)
	}
	if acts[0].Action.Status != network.StatusClosed {
		t.Fatalf("action = %+v", acts[0].Action)
	}
}

func TestRulesSamePriorityBothFire(t *testing.T) {
	m := load(t, baseINP+`
[RULES]
RULE	A
IF	SYSTEM	TIME	>=	0:00
THEN	PUMP	PU1	SETTING	IS	0.5
PRIORITY	1

RULE	B
IF	SYSTEM	TIME	>=	0:00
THEN	PIPE	P1	STATUS	IS	CLOSED
PRIORITY	1
`)
	e := NewEngine(m)
	acts := e.Apply(obsAt(m, time.Hour, nil))
	if len(acts) != 2 {
		t.Fatalf("actuations = %+v, want both equal-priority rules", acts)
	}
}

func TestRuleSamePrioritySameLinkFirstDeclaredWins(t *testing.T) {
	m := load(t, baseINP+`
[RULES]
RULE	FIRST
IF	SYSTEM	TIME	>=	0:00
THEN	PUMP	PU1	SETTING	IS	0.25
PRIORITY	1

RULE	SECOND
IF	SYSTEM	TIME	>=	0:00
THEN	PUMP	PU1	SETTING	IS	0.75
PRIORITY	1
`)
	e := NewEngine(m)
	acts := e.Apply(obsAt(m, time.Hour, nil))
	if len(acts) != 1 {
		t.Fatalf("actuations = %+v, want one", acts)
	}
	if acts[0].Source != "rule FIRST" || acts[0].Action.Setting != 0.25 {
		t.Fatalf("winner = %+v, want FIRST at 0.25", acts[0])
	}
}

func TestRuleConjunction(t *testing.T) {
	m := load(t, baseINP+`
[RULES]
RULE	BOTH
IF	TANK	T1	LEVEL	BELOW	15
AND	SYSTEM	CLOCKTIME	>=	6:00
THEN	PUMP	PU1	STATUS	IS	OPEN
PRIORITY	1
`)
	e := NewEngine(m)

	// level condition true, clock condition false
	if acts := e.Apply(obsAt(m, time.Hour, map[string]float64{"T1": 10})); len(acts) != 0 {
		t.Fatalf("half-satisfied conjunction fired: %v", acts)
	}
	// both true
	if acts := e.Apply(obsAt(m, 7*time.Hour, map[string]float64{"T1": 10})); len(acts) != 1 {
		t.Fatalf("conjunction did not fire: %v", acts)
	}
}

func TestRuleLinkFlowCondition(t *testing.T) {
	m := load(t, baseINP+`
[RULES]
RULE	BACKFLOW
IF	PIPE	P1	FLOW	BELOW	-1
THEN	PIPE	P1	STATUS	IS	CLOSED
PRIORITY	1
`)
	e := NewEngine(m)

	// first step: no solved flows yet, conditions needing them stay false
	if acts := e.Apply(obsAt(m, 0, nil)); len(acts) != 0 {
		t.Fatalf("fired without flow data: %v", acts)
	}

	obs := obsAt(m, time.Hour, nil)
	obs.Flows = make([]float64, len(m.Links))
	obs.Heads = make([]float64, len(m.Nodes))
	obs.Demands = make([]float64, len(m.Nodes))
	pi, _ := m.LinkIndex("P1")
	obs.Flows[pi] = -5
	if acts := e.Apply(obs); len(acts) != 1 {
		t.Fatalf("flow condition did not fire: %v", acts)
	}
}
