// Package batch implements the batch committer: the engine's only path
// to durable storage. Buffers accumulate state deltas and newly
// produced events/trends in memory and drain on a size-or-time trigger,
// always on the engine's own goroutine. There are no concurrent writers
// to the buffers.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/simerr"
)

// Config controls flush thresholds and the retry policy.
type Config struct {
	// BufferSize is the per-buffer row count that triggers a flush.
	BufferSize int
	// FlushInterval is the wall-clock duration since the last flush
	// that triggers a flush even if no buffer is full.
	FlushInterval time.Duration
	// RetryBaseDelay/RetryMaxAttempts bound the exponential backoff on
	// transient repository errors.
	RetryBaseDelay   time.Duration
	RetryMaxAttempts int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:       100,
		FlushInterval:    1000 * time.Millisecond,
		RetryBaseDelay:   50 * time.Millisecond,
		RetryMaxAttempts: 5,
	}
}

// Committer buffers durable-state deltas and flushes them to a
// Repository in a fixed order: participants -> attribute_history ->
// trends -> events, so foreign-key preconditions hold if the
// implementation enforces them.
type Committer struct {
	repo repository.Repository
	cfg  Config

	runID string

	participants []uint64
	attrHistory  []repository.AttributeHistoryRow
	trends       []repository.TrendRow
	events       []repository.EventRow

	lastFlush time.Time
}

// New creates a Committer for runID against repo.
func New(repo repository.Repository, runID string, cfg Config) *Committer {
	return &Committer{repo: repo, cfg: cfg, runID: runID, lastFlush: time.Time{}}
}

// BufferParticipant enqueues a participant binding to be created on the
// next flush.
func (c *Committer) BufferParticipant(agentID uint64) {
	c.participants = append(c.participants, agentID)
}

// BufferAttributeHistory enqueues attribute-history rows.
func (c *Committer) BufferAttributeHistory(rows ...repository.AttributeHistoryRow) {
	c.attrHistory = append(c.attrHistory, rows...)
}

// BufferTrend enqueues a trend upsert.
func (c *Committer) BufferTrend(row repository.TrendRow) {
	c.trends = append(c.trends, row)
}

// BufferEvent enqueues an event append.
func (c *Committer) BufferEvent(row repository.EventRow) {
	c.events = append(c.events, row)
}

// ShouldFlush reports whether a size or time trigger has fired. now is
// the caller's wall-clock reading, taken once per loop iteration rather
// than inside this method, so tests can drive it deterministically.
func (c *Committer) ShouldFlush(now time.Time) bool {
	if c.anyBufferAtOrAbove(c.cfg.BufferSize) {
		return true
	}
	if c.lastFlush.IsZero() {
		return false
	}
	return now.Sub(c.lastFlush) >= c.cfg.FlushInterval
}

func (c *Committer) anyBufferAtOrAbove(n int) bool {
	return len(c.participants) >= n || len(c.attrHistory) >= n ||
		len(c.trends) >= n || len(c.events) >= n
}

// Pending reports the total number of buffered rows across every
// buffer, used by the engine to decide whether a final flush on
// shutdown has anything to do.
func (c *Committer) Pending() int {
	return len(c.participants) + len(c.attrHistory) + len(c.trends) + len(c.events)
}

// Flush drains every buffer into the repository in the fixed order
// participants -> attribute_history -> trends -> events, retrying each
// op with exponential backoff on a transient classified error. now
// stamps lastFlush on success.
func (c *Committer) Flush(ctx context.Context, now time.Time) error {
	if err := c.flushParticipants(ctx); err != nil {
		return err
	}
	if err := c.flushAttributeHistory(ctx); err != nil {
		return err
	}
	if err := c.flushTrends(ctx); err != nil {
		return err
	}
	if err := c.flushEvents(ctx); err != nil {
		return err
	}
	c.lastFlush = now
	return nil
}

func (c *Committer) flushParticipants(ctx context.Context) error {
	if len(c.participants) == 0 {
		return nil
	}
	ids := c.participants
	err := withRetry(ctx, c.cfg, func() error {
		for _, id := range ids {
			if err := c.repo.CreateParticipant(ctx, c.runID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush participants: %w", err)
	}
	c.participants = c.participants[:0]
	return nil
}

func (c *Committer) flushAttributeHistory(ctx context.Context) error {
	if len(c.attrHistory) == 0 {
		return nil
	}
	rows := c.attrHistory
	err := withRetry(ctx, c.cfg, func() error {
		return c.repo.AppendAttributeHistory(ctx, rows)
	})
	if err != nil {
		return fmt.Errorf("flush attribute_history: %w", err)
	}
	c.attrHistory = c.attrHistory[:0]
	return nil
}

func (c *Committer) flushTrends(ctx context.Context) error {
	if len(c.trends) == 0 {
		return nil
	}
	rows := c.trends
	err := withRetry(ctx, c.cfg, func() error {
		return c.repo.UpsertTrends(ctx, rows)
	})
	if err != nil {
		return fmt.Errorf("flush trends: %w", err)
	}
	c.trends = c.trends[:0]
	return nil
}

func (c *Committer) flushEvents(ctx context.Context) error {
	if len(c.events) == 0 {
		return nil
	}
	rows := c.events
	err := withRetry(ctx, c.cfg, func() error {
		return c.repo.AppendEvents(ctx, rows)
	})
	if err != nil {
		return fmt.Errorf("flush events: %w", err)
	}
	c.events = c.events[:0]
	return nil
}

// withRetry retries op on a transient classified error with exponential
// backoff: baseDelay * 2^k, up to RetryMaxAttempts attempts. Any other
// error (or exhaustion) is returned as-is, fatal to the caller.
func withRetry(ctx context.Context, cfg Config, op func() error) error {
	var err error
	for attempt := 0; attempt < cfg.RetryMaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !simerr.Is(err, simerr.ClassTransient) {
			return err
		}
		delay := cfg.RetryBaseDelay * time.Duration(1<<attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("exhausted %d retries: %w", cfg.RetryMaxAttempts, err)
}
