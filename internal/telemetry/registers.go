package telemetry

import (
	"math"

	"github.com/sirupsen/logrus"

	"water-simulator/internal/network"
)

// Register map, in model declaration order:
//
//	coils[i]                pipe i status, ON = open (writable)
//	holding[i]              pump i relative speed * 100 (writable)
//	input[100+2i..]         junction i pressure, float32 big-endian
//	input[200+2i..]         tank i head, float32 big-endian
//	input[300+2i..]         pump i flow, float32 big-endian
const (
	regJunctionPressure = 100
	regTankHead         = 200
	regPumpFlow         = 300
)

// Bridge binds a Publisher to a register Server: published snapshots are
// mirrored into the register banks, and register writes become staged
// external writes.
type Bridge struct {
	model *network.Model
	pub   *Publisher
	srv   *Server
	log   *logrus.Entry

	pipes     []int // coil address -> link arena index
	pumps     []int // holding address -> link arena index
	junctions []int
	tanks     []int
}

// NewBridge builds the address tables and wires the write hooks. The server
// is not yet listening; call Listen on the returned bridge.
func NewBridge(m *network.Model, pub *Publisher, log *logrus.Entry) *Bridge {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Bridge{
		model: m,
		pub:   pub,
		srv:   NewServer(),
		log:   log,
	}
	for i := range m.Links {
		switch m.Links[i].Kind {
		case network.Pipe:
			b.pipes = append(b.pipes, i)
		case network.Pump:
			b.pumps = append(b.pumps, i)
		}
	}
	for i := range m.Nodes {
		switch m.Nodes[i].Kind {
		case network.Junction:
			b.junctions = append(b.junctions, i)
		case network.Tank:
			b.tanks = append(b.tanks, i)
		}
	}

	b.srv.OnCoilWrite = b.coilWritten
	b.srv.OnHoldingWrite = b.holdingWritten
	pub.Subscribe(b.sync)
	return b
}

// Listen starts the Modbus endpoint.
func (b *Bridge) Listen(address string) error {
	if err := b.srv.Listen(address); err != nil {
		return err
	}
	b.log.WithField("addr", b.srv.Addr()).Info("telemetry endpoint listening")
	return nil
}

// Addr returns the bound address.
func (b *Bridge) Addr() string { return b.srv.Addr() }

// Close shuts the endpoint down.
func (b *Bridge) Close() { b.srv.Close() }

// Server exposes the underlying register server, mainly for tests.
func (b *Bridge) Server() *Server { return b.srv }

func (b *Bridge) coilWritten(addr uint16, value bool) {
	if int(addr) >= len(b.pipes) {
		return
	}
	id := b.model.Links[b.pipes[addr]].ID
	status := network.StatusClosed
	if value {
		status = network.StatusOpen
	}
	if err := b.pub.StageStatus(id, status); err != nil {
		b.log.WithError(err).WithField("coil", addr).Warn("coil write dropped")
	}
}

func (b *Bridge) holdingWritten(addr uint16, value uint16) {
	if int(addr) >= len(b.pumps) {
		return
	}
	id := b.model.Links[b.pumps[addr]].ID
	if err := b.pub.StageSetting(id, float64(value)/100); err != nil {
		b.log.WithError(err).WithField("register", addr).Warn("register write dropped")
	}
}

// sync mirrors a published snapshot into the register banks.
func (b *Bridge) sync(s *Snapshot) {
	for addr, li := range b.pipes {
		b.srv.SetCoil(uint16(addr), s.Links[li].Status != network.StatusClosed)
	}
	for addr, li := range b.pumps {
		sp := s.Links[li].Speed
		if s.Links[li].Status == network.StatusClosed {
			sp = 0
		}
		b.srv.SetHoldingRegister(uint16(addr), uint16(math.Round(sp*100)))
		b.putFloat(regPumpFlow+uint16(addr)*2, s.Links[li].Flow)
	}
	for i, ni := range b.junctions {
		b.putFloat(regJunctionPressure+uint16(i)*2, s.Nodes[ni].Pressure)
	}
	for i, ni := range b.tanks {
		b.putFloat(regTankHead+uint16(i)*2, s.Nodes[ni].Head)
	}
}

// putFloat stores v as a float32 across two input registers, high word
// first.
func (b *Bridge) putFloat(addr uint16, v float64) {
	bits := math.Float32bits(float32(v))
	b.srv.SetInputRegister(addr, uint16(bits>>16))
	b.srv.SetInputRegister(addr+1, uint16(bits))
}

// Float32FromRegisters decodes the two-register big-endian encoding used by
// the input banks.
func Float32FromRegisters(hi, lo uint16) float64 {
	return float64(math.Float32frombits(uint32(hi)<<16 | uint32(lo)))
}
