package telemetry

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"water-simulator/internal/network"
)

func TestFloat32RegisterRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.5, -2.25, 101.376, 1e6} {
		bits := math.Float32bits(float32(v))
		got := Float32FromRegisters(uint16(bits>>16), uint16(bits))
		assert.InDelta(t, v, got, math.Abs(v)*1e-6+1e-9)
	}
}

func startBridge(t *testing.T) (*network.Model, *Publisher, *Bridge, mb.Client) {
	t.Helper()
	m := loadModel(t)
	pub := NewPublisher(m, nil)
	bridge := NewBridge(m, pub, nil)
	require.NoError(t, bridge.Listen("127.0.0.1:0"))
	t.Cleanup(bridge.Close)

	handler := mb.NewTCPClientHandler(bridge.Addr())
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { handler.Close() })
	return m, pub, bridge, mb.NewClient(handler)
}

func publishState(m *network.Model, pub *Publisher) {
	snap := &Snapshot{
		Time:  time.Hour,
		Nodes: make([]NodePoint, len(m.Nodes)),
		Links: make([]LinkPoint, len(m.Links)),
	}
	ji, _ := m.NodeIndex("J1")
	snap.Nodes[ji] = NodePoint{Head: 43.5, Pressure: 43.5}
	ti, _ := m.NodeIndex("T1")
	snap.Nodes[ti] = NodePoint{Head: 10.25, Level: 10.25}
	pi, _ := m.LinkIndex("P1")
	snap.Links[pi] = LinkPoint{Flow: 50, Status: network.StatusOpen}
	pui, _ := m.LinkIndex("PU1")
	snap.Links[pui] = LinkPoint{Flow: 50, Status: network.StatusOpen, Speed: 0.75}
	pub.Publish(snap)
}

func TestBridgeReadback(t *testing.T) {
	m, pub, _, client := startBridge(t)
	publishState(m, pub)

	// coil 0 = pipe P1, open
	bits, err := client.ReadCoils(0, 1)
	require.NoError(t, err)
	assert.NotZero(t, bits[0]&1)

	// holding 0 = pump PU1 speed * 100
	regs, err := client.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 75, binary.BigEndian.Uint16(regs))

	// input 100.. = junction pressure, float32 big-endian
	in, err := client.ReadInputRegisters(100, 2)
	require.NoError(t, err)
	got := math.Float32frombits(binary.BigEndian.Uint32(in))
	assert.InDelta(t, 43.5, got, 1e-4)

	// input 200.. = tank head
	in, err = client.ReadInputRegisters(200, 2)
	require.NoError(t, err)
	got = math.Float32frombits(binary.BigEndian.Uint32(in))
	assert.InDelta(t, 10.25, got, 1e-4)

	// input 300.. = pump flow
	in, err = client.ReadInputRegisters(300, 2)
	require.NoError(t, err)
	got = math.Float32frombits(binary.BigEndian.Uint32(in))
	assert.InDelta(t, 50, got, 1e-3)
}

func TestBridgeCoilWriteStagesStatus(t *testing.T) {
	m, pub, _, client := startBridge(t)

	_, err := client.WriteSingleCoil(0, 0x0000)
	require.NoError(t, err)

	writes := pub.Drain(context.Background(), time.Second)
	require.Len(t, writes, 1)
	pi, _ := m.LinkIndex("P1")
	assert.Equal(t, pi, writes[0].Link)
	assert.Equal(t, network.StatusClosed, writes[0].Action.Status)

	_, err = client.WriteSingleCoil(0, 0xFF00)
	require.NoError(t, err)
	writes = pub.Drain(context.Background(), time.Second)
	require.Len(t, writes, 1)
	assert.Equal(t, network.StatusOpen, writes[0].Action.Status)
}

func TestBridgeRegisterWriteStagesSpeed(t *testing.T) {
	m, pub, _, client := startBridge(t)

	_, err := client.WriteSingleRegister(0, 50)
	require.NoError(t, err)

	writes := pub.Drain(context.Background(), time.Second)
	require.Len(t, writes, 1)
	pui, _ := m.LinkIndex("PU1")
	assert.Equal(t, pui, writes[0].Link)
	assert.True(t, writes[0].Action.HasSetting)
	assert.InDelta(t, 0.5, writes[0].Action.Setting, 1e-9)
}

func TestBridgeMultiRegisterWrite(t *testing.T) {
	_, pub, _, client := startBridge(t)

	_, err := client.WriteMultipleRegisters(0, 1, []byte{0x00, 0x64})
	require.NoError(t, err)

	writes := pub.Drain(context.Background(), time.Second)
	require.Len(t, writes, 1)
	assert.InDelta(t, 1.0, writes[0].Action.Setting, 1e-9)
}

func TestBridgeIgnoresUnmappedWrites(t *testing.T) {
	_, pub, _, client := startBridge(t)

	// coil 7 and register 7 back no element; the write lands in the bank
	// but stages nothing
	_, err := client.WriteSingleCoil(7, 0xFF00)
	require.NoError(t, err)
	_, err = client.WriteSingleRegister(7, 123)
	require.NoError(t, err)

	assert.Empty(t, pub.Drain(context.Background(), 50*time.Millisecond))
}
