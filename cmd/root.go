// Package cmd wires the CLI: `run` simulates a network, `probe` reads a
// live simulator's telemetry registers.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "water-simulator",
	Short: "Hydraulic network simulator with Modbus telemetry",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
