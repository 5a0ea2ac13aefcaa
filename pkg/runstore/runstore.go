// Package runstore exposes a stable read API over the simulator's SQLite
// run database for third-party consumers.
package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"water-simulator/internal/report"
)

// Client wraps an open run database.
type Client struct {
	store *report.Store
	db    *sql.DB
}

// Open opens the run database at path (running migrations) and returns a
// client.
func Open(path string) (*Client, error) {
	st, err := report.OpenStore(path)
	if err != nil {
		return nil, err
	}
	return &Client{store: st, db: st.DB()}, nil
}

// Close closes the underlying database.
func (c *Client) Close() error { return c.store.Close() }

// Run describes one recorded simulation run.
type Run struct {
	ID        int64
	Name      string
	Source    string
	StartedAt time.Time
	EndedAt   time.Time
	Status    string
}

// Sample is one time-series point.
type Sample struct {
	TimeSec int64
	Value   float64
}

// Event mirrors a recorded run event.
type Event struct {
	TimeSec int64
	Kind    string
	Element string
	Detail  string
}

// ListRuns returns all recorded runs, newest first.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, source, started_at, COALESCE(ended_at, ''), status FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, ended string
		if err := rows.Scan(&r.ID, &r.Name, &r.Source, &started, &ended, &r.Status); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		if ended != "" {
			r.EndedAt, _ = time.Parse(time.RFC3339, ended)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// nodeColumns and linkColumns whitelist the queryable attributes.
var nodeColumns = map[string]string{
	"head":     "head",
	"pressure": "pressure",
	"level":    "level",
	"demand":   "demand",
}

var linkColumns = map[string]string{
	"flow":    "flow",
	"setting": "setting",
}

// NodeSeries returns the time series of one node attribute over a run.
// attr is one of head, pressure, level, demand.
func (c *Client) NodeSeries(ctx context.Context, runID int64, nodeID, attr string) ([]Sample, error) {
	col, ok := nodeColumns[attr]
	if !ok {
		return nil, fmt.Errorf("unknown node attribute %q", attr)
	}
	q := fmt.Sprintf(`SELECT time_s, %s FROM node_records WHERE run_id = ? AND node_id = ? ORDER BY time_s`, col)
	return c.series(ctx, q, runID, nodeID)
}

// LinkSeries returns the time series of one link attribute over a run.
// attr is one of flow, setting.
func (c *Client) LinkSeries(ctx context.Context, runID int64, linkID, attr string) ([]Sample, error) {
	col, ok := linkColumns[attr]
	if !ok {
		return nil, fmt.Errorf("unknown link attribute %q", attr)
	}
	q := fmt.Sprintf(`SELECT time_s, %s FROM link_records WHERE run_id = ? AND link_id = ? ORDER BY time_s`, col)
	return c.series(ctx, q, runID, linkID)
}

func (c *Client) series(ctx context.Context, query string, args ...any) ([]Sample, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.TimeSec, &s.Value); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Events returns all events of a run in time order.
func (c *Client) Events(ctx context.Context, runID int64) ([]Event, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT time_s, kind, COALESCE(element, ''), COALESCE(detail, '') FROM events WHERE run_id = ? ORDER BY time_s`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.TimeSec, &e.Kind, &e.Element, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordCount returns the number of report boundaries stored for a run.
func (c *Client) RecordCount(ctx context.Context, runID int64) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT time_s) FROM node_records WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
