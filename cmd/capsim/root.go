// Command capsim drives the social-simulation engine from the command
// line: a cobra root command with run/validate subcommands, a single
// Execute() entrypoint called from main.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "capsim",
	Short: "capsim runs the discrete-event social simulation engine",
	Long:  "capsim seeds a population of agents, drives them through a priority-ordered event queue, and commits the resulting participant, attribute-history, trend, and event records to storage.",
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
