package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"water-simulator/internal/network"
	"water-simulator/internal/report"
	"water-simulator/internal/telemetry"
)

const twoTankINP = `
[TITLE]
Two tanks fed by two pumps

[RESERVOIRS]
R1	5

[JUNCTIONS]
J1	0	0
J2	0	0

[TANKS]
;ID	Elev	Init	Min	Max	Diam
T1	0	10	0	20	50
T2	0	10	0	20	50

[PIPES]
P1	J1	T1	100	300	100
P2	J2	T2	100	300	100

[PUMPS]
PU3	R1	J1	HEAD	C1
PU4	R1	J2	HEAD	C1

[CURVES]
C1	50	40

[STATUS]
PU4	0

[TIMES]
DURATION	24:00
HYDRAULIC	TIMESTEP	1:00
REPORT	TIMESTEP	1:00
`

// captureSink retains everything written to it.
type captureSink struct {
	mu      sync.Mutex
	records []*report.Record
	events  []*report.Event
}

func (c *captureSink) WriteRecord(r *report.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}

func (c *captureSink) WriteEvent(e *report.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) eventsOfKind(kind string) []*report.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*report.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func load(t *testing.T, inp string) *network.Model {
	t.Helper()
	m, err := network.Load(strings.NewReader(inp))
	require.NoError(t, err)
	return m
}

func newSession(m *network.Model, sink report.Sink) *Session {
	pub := telemetry.NewPublisher(m, nil)
	return New(m, pub, sink, nil, Options{})
}

func TestTwoTankScenario(t *testing.T) {
	m := load(t, twoTankINP)
	sink := &captureSink{}
	s := newSession(m, sink)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Completed, sum.State)
	assert.Equal(t, Completed, s.State())
	assert.Equal(t, 24, sum.Records, "24:00 at 1:00 report step must yield exactly 24 records")
	require.Len(t, sink.records, 24)

	// records land on the hour, first at 1:00, last at 24:00
	for i, rec := range sink.records {
		assert.Equal(t, int64((i+1)*3600), rec.TimeSec)
	}

	pu4 := recordLink(t, sink.records[len(sink.records)-1], "PU4")
	assert.Zero(t, pu4.Flow, "pump at speed zero must carry exactly zero flow")
	pu3 := recordLink(t, sink.records[len(sink.records)-1], "PU3")
	assert.Greater(t, pu3.Flow, 0.0)

	// T1 fills from PU3; T2 sees no inflow and holds its level.
	for _, rec := range sink.records {
		t1 := recordNode(t, rec, "T1")
		assert.GreaterOrEqual(t, t1.Level, 0.0)
		assert.LessOrEqual(t, t1.Level, 20.0)
		t2 := recordNode(t, rec, "T2")
		assert.InDelta(t, 10.0, t2.Level, 1e-9)
	}
	first := recordNode(t, sink.records[0], "T1")
	last := recordNode(t, sink.records[len(sink.records)-1], "T1")
	assert.Greater(t, last.Level, first.Level)
}

func recordNode(t *testing.T, rec *report.Record, id string) report.NodeRecord {
	t.Helper()
	for _, n := range rec.Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not in record", id)
	return report.NodeRecord{}
}

func recordLink(t *testing.T, rec *report.Record, id string) report.LinkRecord {
	t.Helper()
	for _, l := range rec.Links {
		if l.ID == id {
			return l
		}
	}
	t.Fatalf("link %s not in record", id)
	return report.LinkRecord{}
}

func TestTankOverflowClamped(t *testing.T) {
	// Tiny tank, strong source: the level hits max quickly and must clamp.
	m := load(t, `
[RESERVOIRS]
R1	50
[JUNCTIONS]
J1	0	0
[TANKS]
T1	0	10	0	10.5	2
[PIPES]
P1	R1	J1	100	300	120
P2	J1	T1	100	300	120
[TIMES]
DURATION	4:00
HYDRAULIC	TIMESTEP	1:00
REPORT	TIMESTEP	1:00
`)
	sink := &captureSink{}
	s := newSession(m, sink)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	level, ok := s.TankLevel("T1")
	require.True(t, ok)
	assert.InDelta(t, 10.5, level, 1e-9, "level must clamp at max")
	assert.NotEmpty(t, sink.eventsOfKind(report.EventOverflow))

	for _, rec := range sink.records {
		n := recordNode(t, rec, "T1")
		assert.LessOrEqual(t, n.Level, 10.5)
	}
}

func TestTankEmptyClamped(t *testing.T) {
	// Tank drains into a low junction demand and must stop at min level.
	m := load(t, `
[JUNCTIONS]
J1	0	20
[TANKS]
T1	0	1.2	1	20	2
[PIPES]
P1	T1	J1	100	300	120
[TIMES]
DURATION	6:00
HYDRAULIC	TIMESTEP	1:00
REPORT	TIMESTEP	1:00
`)
	sink := &captureSink{}
	s := newSession(m, sink)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	level, ok := s.TankLevel("T1")
	require.True(t, ok)
	assert.InDelta(t, 1.0, level, 1e-9, "level must clamp at min")
	assert.NotEmpty(t, sink.eventsOfKind(report.EventEmpty))
}

func TestControlActsDuringRun(t *testing.T) {
	// The pump shuts down by control once T1 passes 10.2 m; the level stays
	// near the threshold instead of climbing to max.
	m := load(t, `
[RESERVOIRS]
R1	5
[JUNCTIONS]
J1	0	0
[TANKS]
T1	0	10	0	20	10
[PIPES]
P1	J1	T1	100	300	100
[PUMPS]
PU1	R1	J1	HEAD	C1
[CURVES]
C1	50	40
[CONTROLS]
LINK	PU1	CLOSED	IF	NODE	T1	ABOVE	10.2
[TIMES]
DURATION	12:00
HYDRAULIC	TIMESTEP	1:00
REPORT	TIMESTEP	1:00
`)
	sink := &captureSink{}
	s := newSession(m, sink)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	level, _ := s.TankLevel("T1")
	assert.Less(t, level, 15.0, "control should have stopped the pump")
	assert.NotEmpty(t, sink.eventsOfKind(report.EventActuation))

	// after the actuation the pump reports zero flow
	last := sink.records[len(sink.records)-1]
	assert.Zero(t, recordLink(t, last, "PU1").Flow)
}

func TestExternalWriteLowestPriority(t *testing.T) {
	// An external write opens PU1 but a rule closes it every step: the rule
	// must win within the same timestep.
	m := load(t, `
[RESERVOIRS]
R1	5
[JUNCTIONS]
J1	0	0
[TANKS]
T1	0	10	0	20	50
[PIPES]
P1	J1	T1	100	300	100
[PUMPS]
PU1	R1	J1	HEAD	C1
[CURVES]
C1	50	40
[RULES]
RULE	FORCECLOSE
IF	SYSTEM	TIME	>=	0:00
THEN	PUMP	PU1	STATUS	IS	CLOSED
PRIORITY	1
[TIMES]
DURATION	2:00
HYDRAULIC	TIMESTEP	1:00
REPORT	TIMESTEP	1:00
`)
	pub := telemetry.NewPublisher(m, nil)
	sink := &captureSink{}
	s := New(m, pub, sink, nil, Options{})

	require.NoError(t, pub.StageSetting("PU1", 1))

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	for _, rec := range sink.records {
		assert.Zero(t, recordLink(t, rec, "PU1").Flow,
			"rule must override the external write at %d", rec.TimeSec)
	}
}

func TestAbortOnCancel(t *testing.T) {
	m := load(t, twoTankINP)
	s := newSession(m, &captureSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, Aborted, sum.State)
	assert.Equal(t, Aborted, s.State())
}

func TestSessionSingleUse(t *testing.T) {
	m := load(t, twoTankINP)
	s := newSession(m, &captureSink{})
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.Error(t, err)
}

func TestTankLevelReadableDuringRun(t *testing.T) {
	// Polling tank levels while the run advances must observe consistent
	// in-bounds values, not torn state.
	m := load(t, twoTankINP)
	s := newSession(m, &captureSink{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			level, ok := s.TankLevel("T1")
			require.True(t, ok)
			assert.GreaterOrEqual(t, level, 10.0)
			return
		default:
			if level, ok := s.TankLevel("T1"); ok {
				assert.GreaterOrEqual(t, level, 0.0)
				assert.LessOrEqual(t, level, 20.0)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestZeroDurationSingleSolve(t *testing.T) {
	m := load(t, `
[RESERVOIRS]
R1	50
[JUNCTIONS]
J1	0	20
[PIPES]
P1	R1	J1	1000	300	100
[TIMES]
DURATION	0
`)
	sink := &captureSink{}
	s := newSession(m, sink)

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, sum.State)
	assert.Equal(t, 1, sum.Records)
	require.Len(t, sink.records, 1)
	assert.EqualValues(t, 0, sink.records[0].TimeSec)
}

func TestPumpEnergyAccounted(t *testing.T) {
	m := load(t, twoTankINP)
	s := newSession(m, &captureSink{})

	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Greater(t, sum.PumpEnergy["PU3"], 0.0)
	assert.Zero(t, sum.PumpEnergy["PU4"])
}

func TestPatternedDemand(t *testing.T) {
	// Demand doubles in the second hour; the pipe flow follows the pattern.
	m := load(t, `
[RESERVOIRS]
R1	50
[JUNCTIONS]
J1	0	10	PAT1
[PIPES]
P1	R1	J1	1000	300	100
[PATTERNS]
PAT1	1.0	2.0
[TIMES]
DURATION	2:00
HYDRAULIC	TIMESTEP	1:00
REPORT	TIMESTEP	1:00
`)
	sink := &captureSink{}
	s := newSession(m, sink)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.records, 2)

	// record at 1:00 reflects the solve over [0,1:00) with multiplier 1.0
	assert.InDelta(t, 10, recordLink(t, sink.records[0], "P1").Flow, 0.1)
	assert.InDelta(t, 20, recordLink(t, sink.records[1], "P1").Flow, 0.1)
}
