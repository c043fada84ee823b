package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/capsim/capsim/internal/clock"
	"github.com/capsim/capsim/internal/engine"
	"github.com/capsim/capsim/internal/obslog"
	"github.com/capsim/capsim/internal/reference"
	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/repository/sqlite"
	"github.com/capsim/capsim/internal/runconfig"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runConfigPath string
	runDBPath     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Seed a population and run the simulation to completion",
	RunE:  runRun,
}

func init() {
	bindRunFlags(runCmd, &runConfigPath)
	runCmd.Flags().StringVar(&runDBPath, "db", "capsim.db", "path to the SQLite database file (':memory:' for an ephemeral run)")
}

// runRun is the process entrypoint for `capsim run`: a single slog
// logger installed at startup, storage opened before anything else, a
// signal goroutine that escalates the engine's shutdown mode on a
// repeated signal, and a final status line once the loop exits.
func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := runconfig.Load(runConfigPath, cmd.Flags())
	if err != nil {
		return err
	}

	logger := obslog.Setup(obslog.Options{Writer: cmd.OutOrStdout()})

	tables := reference.Default()
	db, err := sqlite.Open(runDBPath, tables)
	if err != nil {
		return err
	}
	defer db.Close()

	var repo repository.Repository = db
	var clk clock.Clock
	if cfg.Realtime {
		clk = clock.NewRealtime(cfg.SpeedFactor)
	} else {
		clk = clock.NewFast()
	}
	rng := rand.New(rand.NewSource(cfg.RNGSeed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng, err := engine.NewRun(ctx, cfg, repo, clk, rng, logger)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// The signal listener and the run itself are the two background
	// goroutines the process owns; errgroup supervises both so an early
	// return in either surfaces through Wait rather than leaking
	// silently. The run goroutine cancels ctx on exit so the signal
	// listener, which never returns on its own otherwise, stops too.
	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return eng.Start(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig, ok := <-sigCh:
				if !ok {
					return nil
				}
				logger.Info("received signal, requesting graceful shutdown", "signal", sig)
				eng.Stop(engine.ModeGraceful)
			}

			select {
			case <-ctx.Done():
				return nil
			case sig, ok := <-sigCh:
				if !ok {
					return nil
				}
				logger.Info("received second signal, forcing shutdown", "signal", sig)
				eng.Stop(engine.ModeForced)
				return nil
			}
		}
	})

	runErr := g.Wait()
	status := eng.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "run %s finished in phase %s (%d events processed)\n", status.RunID, status.Phase, status.EventsProcessed)

	if runErr != nil {
		return runErr
	}
	if status.Phase == repository.RunFailed {
		return fmt.Errorf("run %s ended in phase Failed", status.RunID)
	}
	return nil
}
