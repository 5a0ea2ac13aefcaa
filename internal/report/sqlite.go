package report

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	source     TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at   TEXT,
	status     TEXT NOT NULL DEFAULT 'running'
);
CREATE TABLE IF NOT EXISTS node_records (
	run_id   INTEGER NOT NULL REFERENCES runs(id),
	time_s   INTEGER NOT NULL,
	node_id  TEXT NOT NULL,
	head     REAL NOT NULL,
	pressure REAL NOT NULL,
	level    REAL NOT NULL,
	demand   REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS link_records (
	run_id  INTEGER NOT NULL REFERENCES runs(id),
	time_s  INTEGER NOT NULL,
	link_id TEXT NOT NULL,
	flow    REAL NOT NULL,
	status  TEXT NOT NULL,
	setting REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	run_id  INTEGER NOT NULL REFERENCES runs(id),
	time_s  INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	element TEXT,
	detail  TEXT
);
CREATE INDEX IF NOT EXISTS idx_node_records_run ON node_records(run_id, node_id, time_s);
CREATE INDEX IF NOT EXISTS idx_link_records_run ON link_records(run_id, link_id, time_s);
`

// Store persists run records in SQLite. One Store serves one run at a time;
// BeginRun must precede the first WriteRecord.
type Store struct {
	db    *sql.DB
	runID int64
}

// OpenStore opens (creating if needed) the run database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// modernc's driver is not safe for concurrent writers on one connection
	// pool entry; a single connection keeps statement ordering simple.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure run store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the query layer.
func (st *Store) DB() *sql.DB { return st.db }

// BeginRun registers a new run and makes it current.
func (st *Store) BeginRun(name, source string, started time.Time) error {
	res, err := st.db.Exec(
		`INSERT INTO runs(name, source, started_at) VALUES(?, ?, ?)`,
		name, source, started.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	st.runID, err = res.LastInsertId()
	return err
}

// RunID returns the current run's identifier, 0 before BeginRun.
func (st *Store) RunID() int64 { return st.runID }

// FinishRun stamps the current run with its end time and final status.
func (st *Store) FinishRun(status string, ended time.Time) error {
	if st.runID == 0 {
		return nil
	}
	_, err := st.db.Exec(
		`UPDATE runs SET ended_at = ?, status = ? WHERE id = ?`,
		ended.UTC().Format(time.RFC3339), status, st.runID,
	)
	return err
}

// WriteRecord inserts all node and link rows of one boundary in a single
// transaction.
func (st *Store) WriteRecord(r *Record) error {
	if st.runID == 0 {
		return fmt.Errorf("run store: no active run")
	}
	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nodeStmt, err := tx.Prepare(
		`INSERT INTO node_records(run_id, time_s, node_id, head, pressure, level, demand) VALUES(?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()
	for _, n := range r.Nodes {
		if _, err := nodeStmt.Exec(st.runID, r.TimeSec, n.ID, n.Head, n.Pressure, n.Level, n.Demand); err != nil {
			return err
		}
	}

	linkStmt, err := tx.Prepare(
		`INSERT INTO link_records(run_id, time_s, link_id, flow, status, setting) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer linkStmt.Close()
	for _, l := range r.Links {
		if _, err := linkStmt.Exec(st.runID, r.TimeSec, l.ID, l.Flow, l.Status, l.Setting); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// WriteEvent inserts one event row.
func (st *Store) WriteEvent(e *Event) error {
	if st.runID == 0 {
		return fmt.Errorf("run store: no active run")
	}
	_, err := st.db.Exec(
		`INSERT INTO events(run_id, time_s, kind, element, detail) VALUES(?, ?, ?, ?, ?)`,
		st.runID, e.TimeSec, e.Kind, e.Element, e.Detail,
	)
	return err
}

// Close closes the database.
func (st *Store) Close() error { return st.db.Close() }
