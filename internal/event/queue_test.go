package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdersByPriorityThenTimestampThenSeq(t *testing.T) {
	q := New()
	require.NoError(t, q.Push(&Event{Priority: 50, Timestamp: 10, Kind: KindPublishPost}))
	require.NoError(t, q.Push(&Event{Priority: 100, Timestamp: 5, Kind: KindDailyReset}))
	require.NoError(t, q.Push(&Event{Priority: 50, Timestamp: 10, Kind: KindPurchase}))

	// Ties on (priority, timestamp) resolve by insertion order.
	first := q.Pop()
	assert.Equal(t, KindPublishPost, first.Kind)

	second := q.Pop()
	assert.Equal(t, KindPurchase, second.Kind)

	third := q.Pop()
	assert.Equal(t, KindDailyReset, third.Kind)
}

func TestQueueAssignsMonotoneSeqAndID(t *testing.T) {
	q := New()
	require.NoError(t, q.Push(&Event{Priority: 50, Timestamp: 1}))
	require.NoError(t, q.Push(&Event{Priority: 50, Timestamp: 1}))
	e1 := q.Pop()
	e2 := q.Pop()
	assert.Less(t, e1.Seq, e2.Seq)
	assert.Less(t, e1.ID, e2.ID)
}

func TestQueuePeekTimeEmptyIsInfinite(t *testing.T) {
	q := New()
	assert.Equal(t, float64(posInf), q.PeekTime())
	require.NoError(t, q.Push(&Event{Priority: 1, Timestamp: 42}))
	assert.Equal(t, 42.0, q.PeekTime())
}

func TestQueueRejectsPushBeyondCap(t *testing.T) {
	q := New()
	for i := 0; i < MaxResident; i++ {
		require.NoError(t, q.Push(&Event{Priority: 50, Timestamp: float64(i)}))
	}
	assert.Equal(t, MaxResident, q.Len())
	err := q.Push(&Event{Priority: 50, Timestamp: 999})
	assert.Error(t, err)
	assert.Equal(t, 0, q.Headroom())
}

func TestQueueDrainEmptiesInPriorityOrder(t *testing.T) {
	q := New()
	require.NoError(t, q.Push(&Event{Priority: 100, Timestamp: 1}))
	require.NoError(t, q.Push(&Event{Priority: 0, Timestamp: 1}))
	require.NoError(t, q.Push(&Event{Priority: 50, Timestamp: 1}))

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, 0, drained[0].Priority)
	assert.Equal(t, 50, drained[1].Priority)
	assert.Equal(t, 100, drained[2].Priority)
	assert.Equal(t, 0, q.Len())
}
