// Package report collects per-boundary simulation records and run events
// and writes them to file sinks and a SQLite run store.
package report

import "time"

// NodeRecord is one node's state at a report boundary.
type NodeRecord struct {
	ID       string  `json:"id"`
	Head     float64 `json:"head"`
	Pressure float64 `json:"pressure"`
	Level    float64 `json:"level,omitempty"`
	Demand   float64 `json:"demand"`
}

// LinkRecord is one link's state at a report boundary.
type LinkRecord struct {
	ID      string  `json:"id"`
	Flow    float64 `json:"flow"`
	Status  string  `json:"status"`
	Setting float64 `json:"setting"`
}

// Record is the full network state at one report boundary plus the solver
// diagnostics of the step that produced it.
type Record struct {
	Time       time.Duration `json:"-"`
	TimeSec    int64         `json:"time_s"`
	Nodes      []NodeRecord  `json:"nodes"`
	Links      []LinkRecord  `json:"links"`
	Iterations int           `json:"iterations"`
	RelError   float64       `json:"rel_error"`
	Unbalanced bool          `json:"unbalanced,omitempty"`
}

// Event kinds.
const (
	EventOverflow   = "overflow"
	EventEmpty      = "empty"
	EventActuation  = "actuation"
	EventUnbalanced = "unbalanced"
	EventAborted    = "aborted"
)

// Event is an out-of-band run occurrence: a tank clamp, an actuation, an
// unbalanced step.
type Event struct {
	Time    time.Duration `json:"-"`
	TimeSec int64         `json:"time_s"`
	Kind    string        `json:"kind"`
	Element string        `json:"element,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

// Sink consumes records and events. Implementations must tolerate
// interleaved calls from a single writer goroutine.
type Sink interface {
	WriteRecord(*Record) error
	WriteEvent(*Event) error
	Close() error
}

// MultiSink fans out to several sinks, returning the first error.
type MultiSink []Sink

func (m MultiSink) WriteRecord(r *Record) error {
	for _, s := range m {
		if err := s.WriteRecord(r); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) WriteEvent(e *Event) error {
	for _, s := range m {
		if err := s.WriteEvent(e); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
