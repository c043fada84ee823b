// Package engine implements the scheduler: a single-threaded
// cooperative loop that pops events off the priority queue, dispatches
// them against in-memory agents and trends, and drains state deltas
// through the batch committer. One goroutine owns all mutation;
// external callers only read atomics or request a stop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/capsim/capsim/internal/agent"
	"github.com/capsim/capsim/internal/batch"
	"github.com/capsim/capsim/internal/clock"
	"github.com/capsim/capsim/internal/event"
	"github.com/capsim/capsim/internal/reference"
	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/runconfig"
	"github.com/capsim/capsim/internal/simerr"
	"github.com/capsim/capsim/internal/trend"
)

// ShutdownMode selects which of the two stop procedures to run.
type ShutdownMode int

const (
	// ModeGraceful stops admitting new discretionary events, drains the
	// queue of already-scheduled non-agent events, flushes, then marks
	// the run Completed.
	ModeGraceful ShutdownMode = iota
	// ModeForced discards in-flight events, flushes best-effort, and
	// marks the run Failed if anything was lost.
	ModeForced
)

// gracefulSoftDeadline bounds the drain phase of a graceful shutdown.
const gracefulSoftDeadline = 25 * time.Second

// Status is a point-in-time snapshot of the engine's progress, safe to
// read concurrently with Start. Observers share nothing with the loop
// beyond these counters.
type Status struct {
	RunID           string
	SimTime         float64
	EventsProcessed uint64
	QueueLen        int
	Phase           repository.RunStatus
}

// Engine owns one run's worth of in-memory state: the event queue, the
// agent and trend populations, the reference tables, and the batch
// committer. Exactly one goroutine (the one that calls Start) ever
// mutates this state; Status is the only safe read from another
// goroutine.
type Engine struct {
	runID string
	cfg   runconfig.Config

	repo      repository.Repository
	clk       clock.Clock
	rng       *rand.Rand
	tables    *reference.Tables
	committer *batch.Committer
	logger    *slog.Logger

	queue   *event.Queue
	persons map[uint64]*agent.Person
	trends  map[uint64]*trend.Trend

	decisionCfg agent.DecisionConfig
	exposureCfg agent.ExposureConfig
	escalation  trend.EscalationThresholds
	endSimTime  float64
	nextTrendID uint64
	decisionIdx int  // round-robin cursor into participantIDs for the discretionary pass
	draining    bool // set during graceful drain; suppresses all new enqueues

	lastDecisionPass float64 // sim-time the discretionary cadence last accrued to
	decisionCarry    float64 // fractional decide attempts accrued but not yet spent

	fanOutPerMin   float64 // influence slots per sim-minute
	fanOutNextFree float64 // next free slot on the fan-out timeline

	participantIDs []uint64 // stable iteration order

	mu       sync.Mutex // guards phase/simTime/stopMode, the only non-atomic fields observers read
	phase    repository.RunStatus
	simTime0 float64
	stopMode ShutdownMode // guarded by mu; read via currentStopMode, written via Stop/forceStopMode

	eventsProcessed atomic.Uint64

	stopRequested atomic.Bool
	runOnce       sync.Once
	doneCh        chan struct{}
}

// NewRun creates a new run: persists the Run row, seeds the population
// and their participant bindings, loads the reference tables, and seeds
// the queue with the three recurring system events (DailyReset at 0,
// EnergyRecovery at 360, SaveDailyTrends at 1440).
func NewRun(ctx context.Context, cfg runconfig.Config, repo repository.Repository, clk clock.Clock, rng *rand.Rand, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	tables, err := repo.LoadReferenceTables(ctx)
	if err != nil {
		return nil, simerr.Config("engine.NewRun", fmt.Errorf("load reference tables: %w", err))
	}

	// The Run's configuration snapshot is serialized with the same YAML
	// encoding runconfig.Load reads, so a stored run's config_snapshot
	// round-trips through the same format a user's capsim.yaml is
	// written in.
	snapshotBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, simerr.Config("engine.NewRun", fmt.Errorf("marshal config snapshot: %w", err))
	}
	runID, err := repo.CreateRun(ctx, cfg.NumAgents, cfg.DurationDays, string(snapshotBytes))
	if err != nil {
		return nil, simerr.Config("engine.NewRun", fmt.Errorf("create run: %w", err))
	}

	e := &Engine{
		runID:       runID,
		cfg:         cfg,
		repo:        repo,
		clk:         clk,
		rng:         rng,
		tables:      tables,
		committer:   batch.New(repo, runID, batch.Config{BufferSize: cfg.BatchSize, FlushInterval: time.Duration(cfg.BatchTimeoutMS) * time.Millisecond, RetryBaseDelay: 50 * time.Millisecond, RetryMaxAttempts: 5}),
		logger:      logger.With("run_id", runID),
		queue:       event.New(),
		persons:     make(map[uint64]*agent.Person, cfg.NumAgents),
		trends:      make(map[uint64]*trend.Trend),
		decisionCfg: cfg.DecisionConfig(),
		exposureCfg: cfg.ExposureConfig(),
		escalation:  cfg.EscalationThresholds(),
		endSimTime:  float64(cfg.DurationDays) * 1440,
		phase:       repository.RunInitialized,
		doneCh:      make(chan struct{}),
	}

	// One opening decide attempt per participant, then the cadence
	// accrues with sim-time.
	e.decisionCarry = float64(cfg.NumAgents)

	// A zero (or negative) configured budget derives the fan-out rate
	// from the population's own action target, so exposure volume keeps
	// tracking actions-per-agent-per-day across population sizes.
	e.fanOutPerMin = float64(cfg.FanOutBudgetPerMinute)
	if e.fanOutPerMin <= 0 {
		e.fanOutPerMin = float64(cfg.NumAgents) * cfg.ActionsPerAgentPerDay / 1440
	}
	if e.fanOutPerMin <= 0 {
		e.fanOutPerMin = 1
	}

	if err := e.seedPopulation(ctx, tables); err != nil {
		return nil, err
	}
	e.seedSystemEvents()

	return e, nil
}

// Status returns a snapshot safe to call from any goroutine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	phase := e.phase
	e.mu.Unlock()
	return Status{
		RunID:           e.runID,
		SimTime:         e.simTime(),
		EventsProcessed: e.eventsProcessed.Load(),
		QueueLen:        e.queue.Len(),
		Phase:           phase,
	}
}

func (e *Engine) simTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.simTime0
}

func (e *Engine) setSimTime(t float64) {
	e.mu.Lock()
	e.simTime0 = t
	e.mu.Unlock()
}

func (e *Engine) setPhase(p repository.RunStatus) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Stop requests a shutdown in the given mode. Idempotent: calling
// Stop with the same mode more than once has no further effect. A
// second call with ModeForced after an initial ModeGraceful escalates
// the in-progress shutdown (the CLI's repeated-signal behavior); a
// forced shutdown in progress can never be downgraded back to
// graceful.
func (e *Engine) Stop(mode ShutdownMode) {
	e.mu.Lock()
	switch {
	case !e.stopRequested.Load():
		e.stopMode = mode
		e.stopRequested.Store(true)
	case mode == ModeForced && e.stopMode == ModeGraceful:
		e.stopMode = ModeForced
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.clk.Stop()
}

// currentStopMode reads the shutdown mode Stop most recently recorded.
func (e *Engine) currentStopMode() ShutdownMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopMode
}

// forceStopMode is used internally (never by external callers) to
// escalate to a forced shutdown in response to a fatal dispatch or
// context cancellation, without going through the public Stop API.
func (e *Engine) forceStopMode() {
	e.mu.Lock()
	e.stopMode = ModeForced
	e.mu.Unlock()
}

// Start runs the engine's main loop until the queue is exhausted past
// end_sim_time, a stop is requested, or a fatal error occurs. It blocks
// until the run reaches a terminal phase. Safe to call exactly once.
func (e *Engine) Start(ctx context.Context) error {
	var runErr error
	e.runOnce.Do(func() {
		runErr = e.run(ctx)
		close(e.doneCh)
	})
	<-e.doneCh
	return runErr
}

func (e *Engine) run(ctx context.Context) error {
	e.setPhase(repository.RunRunning)
	e.logger.Info("run started", "num_agents", e.cfg.NumAgents, "duration_days", e.cfg.DurationDays)

	for {
		if e.stopRequested.Load() {
			return e.shutdown(ctx)
		}
		if ctx.Err() != nil {
			e.forceStopMode()
			return e.shutdown(ctx)
		}

		peek := e.queue.PeekTime()
		if peek > e.endSimTime {
			break
		}
		ev := e.queue.Pop()
		if ev == nil {
			break
		}

		e.clk.SleepUntil(ev.Timestamp)
		if e.stopRequested.Load() {
			// Stop fired while we were asleep; the popped event is
			// dropped rather than dispatched, matching forced-shutdown
			// semantics of discarding in-flight work.
			return e.shutdown(ctx)
		}

		e.setSimTime(ev.Timestamp)
		if err := e.dispatch(ctx, ev); err != nil {
			if simerr.Is(err, simerr.ClassInvariant) {
				e.logger.Error("invariant violation, failing run", "error", err)
				return e.fail(ctx, err)
			}
			if simerr.Is(err, simerr.ClassPermanent) {
				e.logger.Error("permanent repository error, forcing shutdown", "error", err)
				e.forceStopMode()
				return e.shutdown(ctx)
			}
			// Anything else, including a transient repository error that
			// exhausted its retries inside the committer, escalates to a
			// forced shutdown.
			e.logger.Error("dispatch failed, forcing shutdown", "error", err)
			e.forceStopMode()
			return e.shutdown(ctx)
		}
		e.eventsProcessed.Add(1)

		e.runDiscretionaryPass(ev.Timestamp)

		if e.committer.ShouldFlush(time.Now()) {
			if err := e.committer.Flush(ctx, time.Now()); err != nil {
				e.logger.Error("flush failed, forcing shutdown", "error", err)
				e.forceStopMode()
				return e.shutdown(ctx)
			}
		}
	}

	return e.complete(ctx)
}

// complete runs the natural-end-of-run path: a final flush then a
// Completed terminal mark.
func (e *Engine) complete(ctx context.Context) error {
	if err := e.committer.Flush(ctx, time.Now()); err != nil {
		e.logger.Error("final flush failed", "error", err)
		return e.fail(ctx, err)
	}
	e.setPhase(repository.RunCompleted)
	if err := e.repo.MarkRunTerminal(ctx, e.runID, repository.RunCompleted, time.Now().UTC()); err != nil {
		e.logger.Error("mark_run_terminal failed", "error", err)
	}
	e.logger.Info("run completed", "events_processed", humanize.Comma(int64(e.eventsProcessed.Load())))
	return nil
}

// shutdown runs the stop procedure Stop most recently selected. The
// run's phase moves Running -> Stopping -> {Completed, Failed}.
func (e *Engine) shutdown(ctx context.Context) error {
	e.setPhase(repository.RunStopping)
	if e.currentStopMode() == ModeGraceful {
		return e.shutdownGraceful(ctx)
	}
	return e.shutdownForced(ctx)
}

func (e *Engine) shutdownGraceful(ctx context.Context) error {
	// Draining: already-scheduled system events still dispatch, but no
	// handler may admit anything new, since periodic handlers would
	// otherwise reschedule themselves and keep the drain alive forever.
	e.draining = true
	deadline := time.Now().Add(gracefulSoftDeadline)
	for e.queue.Len() > 0 && time.Now().Before(deadline) {
		ev := e.queue.Pop()
		if ev == nil {
			break
		}
		if ev.Priority != event.PrioritySystem {
			continue // discretionary events are discarded, not dispatched
		}
		if err := e.dispatch(ctx, ev); err != nil {
			e.logger.Warn("dispatch failed during graceful drain, skipping", "error", err)
			continue
		}
		e.eventsProcessed.Add(1)
	}

	if err := e.committer.Flush(ctx, time.Now()); err != nil {
		e.logger.Error("flush_now failed during graceful shutdown", "error", err)
		return e.fail(ctx, err)
	}
	e.setPhase(repository.RunCompleted)
	if err := e.repo.MarkRunTerminal(ctx, e.runID, repository.RunCompleted, time.Now().UTC()); err != nil {
		e.logger.Error("mark_run_terminal failed", "error", err)
	}
	e.logger.Info("graceful shutdown complete", "events_processed", humanize.Comma(int64(e.eventsProcessed.Load())))
	return nil
}

func (e *Engine) shutdownForced(ctx context.Context) error {
	// Remaining queued events are discarded outright; the run only
	// counts as Failed when that discard (or the final flush) actually
	// lost pending work.
	discarded := e.queue.Len()
	flushErr := e.committer.Flush(ctx, time.Now())
	if flushErr != nil {
		e.logger.Error("best-effort flush failed during forced shutdown", "error", flushErr)
	}
	status := repository.RunCompleted
	if discarded > 0 || flushErr != nil {
		status = repository.RunFailed
	}
	e.setPhase(status)
	if err := e.repo.MarkRunTerminal(ctx, e.runID, status, time.Now().UTC()); err != nil {
		e.logger.Error("mark_run_terminal failed", "error", err)
	}
	e.logger.Info("forced shutdown complete", "events_processed", humanize.Comma(int64(e.eventsProcessed.Load())))
	return nil
}

// fail best-effort flushes the current batch, then marks the run
// Failed.
func (e *Engine) fail(ctx context.Context, cause error) error {
	_ = e.committer.Flush(ctx, time.Now())
	e.setPhase(repository.RunFailed)
	if err := e.repo.MarkRunTerminal(ctx, e.runID, repository.RunFailed, time.Now().UTC()); err != nil {
		e.logger.Error("mark_run_terminal failed", "error", err)
	}
	return cause
}

// enqueue pushes ev, applying backpressure: a discretionary
// (agent-action tier) event is simply dropped rather than pushed when
// headroom is low, instead of treating ErrQueueFull as fatal. System
// events always push through; a full queue on a system event fails the
// run. During a graceful drain nothing new is admitted at all.
func (e *Engine) enqueue(ev *event.Event) error {
	if e.draining {
		return nil
	}
	if ev.Priority != event.PrioritySystem && e.queue.Headroom() < backpressureHeadroom {
		return nil
	}
	if err := e.queue.Push(ev); err != nil {
		return simerr.Invariant("engine.enqueue", err)
	}
	return nil
}

// backpressureHeadroom is the remaining-capacity threshold below which
// new discretionary (purchase/self-dev/publish) events stop being
// generated.
const backpressureHeadroom = 200

// jitter returns a uniform random offset in [0, window) sim-minutes, so
// that newly produced events do not all land on the same timestamp.
func (e *Engine) jitter(window float64) float64 {
	if window <= 0 {
		return 0
	}
	return e.rng.Float64() * window
}
