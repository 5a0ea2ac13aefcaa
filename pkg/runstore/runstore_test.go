package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"water-simulator/internal/report"
)

func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	st, err := report.OpenStore(path)
	require.NoError(t, err)

	require.NoError(t, st.BeginRun("two-tanks", "networks/two-tanks.inp", time.Now()))
	for hour := 1; hour <= 3; hour++ {
		rec := &report.Record{
			TimeSec: int64(hour * 3600),
			Nodes: []report.NodeRecord{
				{ID: "T1", Head: 10 + float64(hour)*0.1, Level: 10 + float64(hour)*0.1},
				{ID: "J1", Head: 43, Pressure: 43, Demand: 10},
			},
			Links: []report.LinkRecord{
				{ID: "PU3", Flow: 50, Status: "open", Setting: 1},
			},
		}
		require.NoError(t, st.WriteRecord(rec))
	}
	require.NoError(t, st.WriteEvent(&report.Event{
		TimeSec: 7200, Kind: report.EventOverflow, Element: "T1", Detail: "level clamped",
	}))
	require.NoError(t, st.FinishRun("completed", time.Now()))
	require.NoError(t, st.Close())
	return path
}

func TestQueryRoundTrip(t *testing.T) {
	path := seedStore(t)
	ctx := context.Background()

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	runs, err := c.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "two-tanks", runs[0].Name)
	assert.Equal(t, "completed", runs[0].Status)
	assert.False(t, runs[0].StartedAt.IsZero())
	assert.False(t, runs[0].EndedAt.IsZero())

	levels, err := c.NodeSeries(ctx, runs[0].ID, "T1", "level")
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.EqualValues(t, 3600, levels[0].TimeSec)
	assert.InDelta(t, 10.1, levels[0].Value, 1e-9)
	assert.InDelta(t, 10.3, levels[2].Value, 1e-9)

	flows, err := c.LinkSeries(ctx, runs[0].ID, "PU3", "flow")
	require.NoError(t, err)
	require.Len(t, flows, 3)
	assert.InDelta(t, 50, flows[0].Value, 1e-9)

	events, err := c.Events(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, report.EventOverflow, events[0].Kind)
	assert.Equal(t, "T1", events[0].Element)

	n, err := c.RecordCount(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUnknownAttributeRejected(t *testing.T) {
	path := seedStore(t)
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.NodeSeries(context.Background(), 1, "T1", "head; DROP TABLE runs")
	assert.Error(t, err)
	_, err = c.LinkSeries(context.Background(), 1, "PU3", "status")
	assert.Error(t, err, "status is not a numeric series")
}

func TestSecondRunIsolated(t *testing.T) {
	path := seedStore(t)

	st, err := report.OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, st.BeginRun("second", "x.inp", time.Now()))
	require.NoError(t, st.WriteRecord(&report.Record{
		TimeSec: 3600,
		Nodes:   []report.NodeRecord{{ID: "T1", Level: 5}},
	}))
	require.NoError(t, st.FinishRun("completed", time.Now()))
	require.NoError(t, st.Close())

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	runs, err := c.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// newest first
	assert.Equal(t, "second", runs[0].Name)

	levels, err := c.NodeSeries(context.Background(), runs[0].ID, "T1", "level")
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.InDelta(t, 5, levels[0].Value, 1e-9)
}
