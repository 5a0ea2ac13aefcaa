// Package telemetry publishes simulation state snapshots and accepts
// external write requests over a Modbus TCP register map. Snapshots are
// swapped atomically so readers never see a half-written step; writes are
// staged and handed to the scheduler at the next timestep boundary.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"water-simulator/internal/network"
)

// ErrWriteRejected is wrapped by every staging failure: unknown link,
// non-finite value, or a value outside the link's admissible range.
var ErrWriteRejected = errors.New("write rejected")

// NodePoint is the published state of one node.
type NodePoint struct {
	Head     float64 // m
	Pressure float64 // m of head above elevation, junctions only
	Level    float64 // m above tank bottom, tanks only
	Demand   float64 // L/s
}

// LinkPoint is the published state of one link.
type LinkPoint struct {
	Flow    float64 // L/s, positive Node1 -> Node2
	Status  network.LinkStatus
	Speed   float64
	Setting float64
}

// Snapshot is one immutable per-step view of the network, indexed by the
// model's node and link arena order.
type Snapshot struct {
	Time  time.Duration
	Nodes []NodePoint
	Links []LinkPoint
}

// Write is one staged external request against a link, expressed as the
// same action type controls and rules produce.
type Write struct {
	Link   int
	Action network.Action
}

// Publisher owns the current snapshot and the staged write queue.
type Publisher struct {
	model *network.Model
	log   *logrus.Entry

	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex
	staged  []Write
	arrived chan struct{}

	subs []func(*Snapshot)
}

// NewPublisher creates a publisher for the given model.
func NewPublisher(m *network.Model, log *logrus.Entry) *Publisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{
		model:   m,
		log:     log,
		arrived: make(chan struct{}, 1),
	}
}

// Snapshot returns the most recently published snapshot, or nil before the
// first step.
func (p *Publisher) Snapshot() *Snapshot {
	return p.snap.Load()
}

// Publish installs s as the current snapshot and notifies subscribers.
func (p *Publisher) Publish(s *Snapshot) {
	p.snap.Store(s)
	p.mu.Lock()
	subs := p.subs
	p.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// Subscribe registers fn to run after every Publish, in order.
func (p *Publisher) Subscribe(fn func(*Snapshot)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// StageStatus queues an external open/close request for the named link.
func (p *Publisher) StageStatus(linkID string, status network.LinkStatus) error {
	li, ok := p.model.LinkIndex(linkID)
	if !ok {
		return fmt.Errorf("%w: unknown link %q", ErrWriteRejected, linkID)
	}
	p.stage(Write{Link: li, Action: network.Action{Link: li, Status: status}})
	return nil
}

// StageSetting queues an external setting request: pump relative speed or
// valve setting. The value must be finite and non-negative.
func (p *Publisher) StageSetting(linkID string, value float64) error {
	li, ok := p.model.LinkIndex(linkID)
	if !ok {
		return fmt.Errorf("%w: unknown link %q", ErrWriteRejected, linkID)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return fmt.Errorf("%w: setting %v for link %q", ErrWriteRejected, value, linkID)
	}
	p.stage(Write{Link: li, Action: network.Action{Link: li, HasSetting: true, Setting: value}})
	return nil
}

func (p *Publisher) stage(w Write) {
	p.mu.Lock()
	p.staged = append(p.staged, w)
	p.mu.Unlock()
	select {
	case p.arrived <- struct{}{}:
	default:
	}
	p.log.WithFields(logrus.Fields{
		"link": p.model.Links[w.Link].ID,
	}).Debug("external write staged")
}

// Drain returns all staged writes in arrival order. If none are staged it
// waits up to wait for one to arrive; cancellation of ctx or expiry of the
// timer returns whatever is queued, possibly nothing.
func (p *Publisher) Drain(ctx context.Context, wait time.Duration) []Write {
	p.mu.Lock()
	if len(p.staged) == 0 && wait > 0 {
		p.mu.Unlock()
		t := time.NewTimer(wait)
		select {
		case <-p.arrived:
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
		p.mu.Lock()
	}
	out := p.staged
	p.staged = nil
	select {
	case <-p.arrived:
	default:
	}
	p.mu.Unlock()
	return out
}

// Value resolves a logical point address against the snapshot. Addresses
// take the form "node:<id>:<head|pressure|level|demand>" or
// "link:<id>:<flow|status|speed|setting>"; status reads as 0 (closed) or 1.
func (s *Snapshot) Value(m *network.Model, addr string) (float64, error) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed point address %q", addr)
	}
	switch parts[0] {
	case "node":
		ni, ok := m.NodeIndex(parts[1])
		if !ok {
			return 0, fmt.Errorf("unknown node %q", parts[1])
		}
		np := s.Nodes[ni]
		switch parts[2] {
		case "head":
			return np.Head, nil
		case "pressure":
			return np.Pressure, nil
		case "level":
			return np.Level, nil
		case "demand":
			return np.Demand, nil
		}
	case "link":
		li, ok := m.LinkIndex(parts[1])
		if !ok {
			return 0, fmt.Errorf("unknown link %q", parts[1])
		}
		lp := s.Links[li]
		switch parts[2] {
		case "flow":
			return lp.Flow, nil
		case "status":
			if lp.Status == network.StatusClosed {
				return 0, nil
			}
			return 1, nil
		case "speed":
			return lp.Speed, nil
		case "setting":
			return lp.Setting, nil
		}
	}
	return 0, fmt.Errorf("malformed point address %q", addr)
}
