package main

import "github.com/spf13/cobra"

// bindRunFlags registers the subset of runconfig.Config overridable
// from the command line. Flag names are spelled with underscores to
// match runconfig's mapstructure tags exactly, since Viper's
// BindPFlags keys a flag by its literal name with no dash/underscore
// translation (the CAPSIM_ env-var binding in runconfig.Load only maps
// '.' to '_').
func bindRunFlags(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVar(configPath, "config", "", "path to a YAML run configuration file")
	cmd.Flags().Int("num_agents", 0, "population size (overrides config/default)")
	cmd.Flags().Int("duration_days", 0, "simulated run length in days (overrides config/default)")
	cmd.Flags().Float64("speed_factor", 0, "realtime pacing factor, sim-minutes per wall-second multiplier")
	cmd.Flags().Bool("realtime", false, "pace the run against wall-clock time instead of running free-running")
	cmd.Flags().Int("batch_size", 0, "batch committer flush size threshold")
	cmd.Flags().Int("batch_timeout_ms", 0, "batch committer flush time threshold, in milliseconds")
	cmd.Flags().Int64("rng_seed", 0, "seed for the run's single owned PRNG")

	// Flags default to the zero value so an unset flag never overrides a
	// value loaded from --config or the built-in defaults; Viper only
	// takes a bound flag's value when the user actually set it.
}
