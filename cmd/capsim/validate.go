package main

import (
	"fmt"

	"github.com/capsim/capsim/internal/runconfig"
	"github.com/spf13/cobra"
)

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a run configuration without starting a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runconfig.Load(validateConfigPath, cmd.Flags())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d agents, %d day(s), rng_seed=%d\n", cfg.NumAgents, cfg.DurationDays, cfg.RNGSeed)
		return nil
	},
}

func init() {
	bindRunFlags(validateCmd, &validateConfigPath)
}
