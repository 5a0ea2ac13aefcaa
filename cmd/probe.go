package cmd

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/spf13/cobra"

	"water-simulator/internal/network"
)

var (
	probeAddr     string
	probeNetwork  string
	probeSetSpeed []string
	probeOpen     []string
	probeClose    []string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read (and optionally write) a live simulator's telemetry registers",
	Long: `Probe connects to a running simulator's Modbus TCP endpoint and prints
the mapped points: pipe statuses (coils), pump speeds (holding registers)
and the float32 measurement registers. The network file is needed to know
which elements back which addresses.`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVarP(&probeAddr, "addr", "a", "localhost:1502", "simulator Modbus TCP address")
	probeCmd.Flags().StringVarP(&probeNetwork, "network", "n", "", "network description file (for the address map)")
	probeCmd.Flags().StringArrayVar(&probeSetSpeed, "set-speed", nil, "write a pump speed, e.g. --set-speed PUMP1=0.5")
	probeCmd.Flags().StringArrayVar(&probeOpen, "open", nil, "open a pipe by ID")
	probeCmd.Flags().StringArrayVar(&probeClose, "close", nil, "close a pipe by ID")
	probeCmd.MarkFlagRequired("network")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	model, err := network.LoadFile(probeNetwork)
	if err != nil {
		return err
	}
	pipes := model.LinksOfKind(network.Pipe)
	pumps := model.LinksOfKind(network.Pump)
	junctions := model.NodesOfKind(network.Junction)
	tanks := model.NodesOfKind(network.Tank)

	handler := mb.NewTCPClientHandler(probeAddr)
	handler.Timeout = 5 * time.Second
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", probeAddr, err)
	}
	defer handler.Close()
	client := mb.NewClient(handler)

	if err := probeWrites(client, model, pipes, pumps); err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if len(pipes) > 0 {
		bits, err := client.ReadCoils(0, uint16(len(pipes)))
		if err != nil {
			return fmt.Errorf("read coils: %w", err)
		}
		for i, li := range pipes {
			status := "closed"
			if bits[i/8]&(1<<(uint(i)%8)) != 0 {
				status = "open"
			}
			fmt.Fprintf(out, "pipe %-10s %s\n", model.Links[li].ID, status)
		}
	}

	if len(pumps) > 0 {
		regs, err := client.ReadHoldingRegisters(0, uint16(len(pumps)))
		if err != nil {
			return fmt.Errorf("read holding registers: %w", err)
		}
		flows, err := client.ReadInputRegisters(300, uint16(len(pumps)*2))
		if err != nil {
			return fmt.Errorf("read pump flows: %w", err)
		}
		for i, li := range pumps {
			speed := float64(binary.BigEndian.Uint16(regs[i*2:i*2+2])) / 100
			fmt.Fprintf(out, "pump %-10s speed %.2f  flow %.3f L/s\n",
				model.Links[li].ID, speed, floatAt(flows, i))
		}
	}

	if len(junctions) > 0 {
		regs, err := client.ReadInputRegisters(100, uint16(len(junctions)*2))
		if err != nil {
			return fmt.Errorf("read junction pressures: %w", err)
		}
		for i, ni := range junctions {
			fmt.Fprintf(out, "junction %-6s pressure %.3f m\n", model.Nodes[ni].ID, floatAt(regs, i))
		}
	}

	if len(tanks) > 0 {
		regs, err := client.ReadInputRegisters(200, uint16(len(tanks)*2))
		if err != nil {
			return fmt.Errorf("read tank heads: %w", err)
		}
		for i, ni := range tanks {
			fmt.Fprintf(out, "tank %-10s head %.3f m\n", model.Nodes[ni].ID, floatAt(regs, i))
		}
	}
	return nil
}

// probeWrites performs any requested actuations before reading back.
func probeWrites(client mb.Client, model *network.Model, pipes, pumps []int) error {
	pipeAddr := make(map[string]uint16)
	for addr, li := range pipes {
		pipeAddr[model.Links[li].ID] = uint16(addr)
	}
	pumpAddr := make(map[string]uint16)
	for addr, li := range pumps {
		pumpAddr[model.Links[li].ID] = uint16(addr)
	}

	for _, id := range probeOpen {
		addr, ok := pipeAddr[id]
		if !ok {
			return fmt.Errorf("unknown pipe %q", id)
		}
		if _, err := client.WriteSingleCoil(addr, 0xFF00); err != nil {
			return fmt.Errorf("open %s: %w", id, err)
		}
	}
	for _, id := range probeClose {
		addr, ok := pipeAddr[id]
		if !ok {
			return fmt.Errorf("unknown pipe %q", id)
		}
		if _, err := client.WriteSingleCoil(addr, 0x0000); err != nil {
			return fmt.Errorf("close %s: %w", id, err)
		}
	}
	for _, spec := range probeSetSpeed {
		id, val, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("malformed --set-speed %q, want ID=value", spec)
		}
		addr, found := pumpAddr[id]
		if !found {
			return fmt.Errorf("unknown pump %q", id)
		}
		speed, err := strconv.ParseFloat(val, 64)
		if err != nil || speed < 0 {
			return fmt.Errorf("bad speed %q for pump %s", val, id)
		}
		if _, err := client.WriteSingleRegister(addr, uint16(math.Round(speed*100))); err != nil {
			return fmt.Errorf("set speed %s: %w", id, err)
		}
	}
	return nil
}

// floatAt decodes the i-th big-endian float32 register pair from a read.
func floatAt(data []byte, i int) float64 {
	off := i * 4
	if off+4 > len(data) {
		return math.NaN()
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(data[off : off+4])))
}
