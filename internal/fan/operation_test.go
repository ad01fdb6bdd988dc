package fan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(0)
	a := newOperation(OpPower, SpeedOff, 1)
	b := newOperation(OpSpeed, SpeedHigh, 2)
	c := newOperation(OpSpeed, SpeedLow, 3)
	for _, op := range []Operation{a, b, c} {
		require.NoError(t, q.Enqueue(op))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []Operation{a, b, c}, q.Pending())

	for _, want := range []Operation{a, b, c} {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID)
	}
	_, ok := q.pop()
	assert.False(t, ok)
	assert.True(t, q.IsEmpty())
}

func TestQueue_Cap(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(newOperation(OpPower, SpeedOff, 0)))
	require.NoError(t, q.Enqueue(newOperation(OpPower, SpeedOff, 0)))
	assert.Equal(t, 0, q.Remaining())

	err := q.Enqueue(newOperation(OpPower, SpeedOff, 0))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueue_UnboundedNeverFull(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue(newOperation(OpSpeed, SpeedLow, 0)))
	}
	assert.Equal(t, -1, q.Remaining())
	assert.True(t, q.fits(1000))
}

func TestNewOperation_UniqueIDs(t *testing.T) {
	a := newOperation(OpPower, SpeedOff, 5)
	b := newOperation(OpPower, SpeedOff, 5)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, Millis(5), a.EnqueuedAt)
}
