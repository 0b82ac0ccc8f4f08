// Package main is the orchestratord entrypoint: a thin Cobra CLI that
// loads configuration, wires the orchestrator Core, and blocks serving
// until an interrupt.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Concurrent transcription orchestrator",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
