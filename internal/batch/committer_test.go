package batch

import (
	"context"
	"testing"
	"time"

	"github.com/capsim/capsim/internal/reference"
	"github.com/capsim/capsim/internal/repository"
	"github.com/capsim/capsim/internal/repository/memtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldFlushOnBufferSizeTrigger(t *testing.T) {
	repo := memtest.New(reference.Default())
	c := New(repo, "run-1", Config{BufferSize: 2, FlushInterval: time.Hour, RetryBaseDelay: time.Millisecond, RetryMaxAttempts: 5})

	c.BufferEvent(repository.EventRow{ID: 1})
	assert.False(t, c.ShouldFlush(time.Now()))
	c.BufferEvent(repository.EventRow{ID: 2})
	assert.True(t, c.ShouldFlush(time.Now()))
}

func TestShouldFlushTimeTriggerNeedsPriorFlush(t *testing.T) {
	repo := memtest.New(reference.Default())
	c := New(repo, "run-1", Config{BufferSize: 1000, FlushInterval: 10 * time.Millisecond, RetryBaseDelay: time.Millisecond, RetryMaxAttempts: 5})
	c.BufferEvent(repository.EventRow{ID: 1})

	now := time.Now()
	assert.False(t, c.ShouldFlush(now)) // no prior flush recorded yet, so time trigger cannot fire
}

func TestFlushDrainsInFixedOrderAndEmptiesBuffers(t *testing.T) {
	repo := memtest.New(reference.Default())
	ctx := context.Background()
	runID, err := repo.CreateRun(ctx, 1, 1, "")
	require.NoError(t, err)

	c := New(repo, runID, DefaultConfig())
	c.BufferParticipant(1)
	c.BufferAttributeHistory(repository.AttributeHistoryRow{RunID: runID, AgentID: 1, Attribute: "energy_level"})
	c.BufferTrend(repository.TrendRow{RunID: runID, ID: 1, Topic: "Science"})
	c.BufferEvent(repository.EventRow{RunID: runID, ID: 1, Kind: "PublishPost"})

	require.NoError(t, c.Flush(ctx, time.Now()))
	assert.Equal(t, 0, c.Pending())

	assert.True(t, repo.Participants[runID][1])
	assert.Len(t, repo.History, 1)
	assert.Len(t, repo.Trends[runID], 1)
	assert.Len(t, repo.Events, 1)
}

func TestFlushDoesNotRetryUnclassifiedError(t *testing.T) {
	repo := memtest.New(reference.Default())
	ctx := context.Background()
	runID, err := repo.CreateRun(ctx, 1, 1, "")
	require.NoError(t, err)

	c := New(repo, runID, Config{BufferSize: 100, FlushInterval: time.Hour, RetryBaseDelay: time.Millisecond, RetryMaxAttempts: 5})
	c.BufferEvent(repository.EventRow{RunID: runID, ID: 1})

	// A plain (unclassified) error must NOT be retried; only
	// simerr-classified transient errors are. One injected failure with
	// five attempts available would succeed if a retry happened.
	repo.FailNextN = 1
	err = c.Flush(ctx, time.Now())
	assert.Error(t, err)
	assert.Empty(t, repo.Events)
}

func TestFlushRetriesTransientFailureThenSucceeds(t *testing.T) {
	repo := memtest.New(reference.Default())
	ctx := context.Background()
	runID, err := repo.CreateRun(ctx, 1, 1, "")
	require.NoError(t, err)

	c := New(repo, runID, Config{BufferSize: 100, FlushInterval: time.Hour, RetryBaseDelay: time.Millisecond, RetryMaxAttempts: 5})
	c.BufferEvent(repository.EventRow{RunID: runID, ID: 1})

	// Two classified-transient failures, five attempts available: the
	// third attempt lands the rows.
	repo.FailNextNTransient = 2
	require.NoError(t, c.Flush(ctx, time.Now()))
	assert.Len(t, repo.Events, 1)
	assert.Equal(t, 0, repo.FailNextNTransient)
	assert.Equal(t, 0, c.Pending())
}

func TestFlushEscalatesAfterRetryExhaustion(t *testing.T) {
	repo := memtest.New(reference.Default())
	ctx := context.Background()
	runID, err := repo.CreateRun(ctx, 1, 1, "")
	require.NoError(t, err)

	c := New(repo, runID, Config{BufferSize: 100, FlushInterval: time.Hour, RetryBaseDelay: time.Millisecond, RetryMaxAttempts: 3})
	c.BufferEvent(repository.EventRow{RunID: runID, ID: 1})

	// More transient failures than attempts: every attempt burns one
	// injected failure, then the exhaustion escalates as fatal.
	repo.FailNextNTransient = 10
	err = c.Flush(ctx, time.Now())
	require.Error(t, err)
	assert.ErrorContains(t, err, "exhausted 3 retries")
	assert.Empty(t, repo.Events)
	assert.Equal(t, 7, repo.FailNextNTransient)
	assert.Equal(t, 1, c.Pending(), "failed rows stay buffered for the shutdown flush")
}
