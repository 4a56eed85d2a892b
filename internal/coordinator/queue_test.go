package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := newQueue(0)
	require.NoError(t, q.push("a", 5))
	require.NoError(t, q.push("b", 1))
	require.NoError(t, q.push("c", 5))
	require.NoError(t, q.push("d", 3))
	require.NoError(t, q.push("e", 1))

	assert.Equal(t, []string{"b", "e", "d", "a", "c"}, q.ids())
	assert.Equal(t, 5, q.Len(), "ids must not consume the queue")

	var got []string
	for {
		id, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, id)
	}
	assert.Equal(t, []string{"b", "e", "d", "a", "c"}, got)
}

func TestQueue_Bounded(t *testing.T) {
	q := newQueue(2)
	require.NoError(t, q.push("a", 5))
	require.NoError(t, q.push("b", 5))
	assert.ErrorIs(t, q.push("c", 1), ErrQueueFull)

	// re-queueing a known task never counts against the limit
	require.NoError(t, q.push("a", 1))
	assert.Equal(t, []string{"a", "b"}, q.ids())
}

func TestQueue_Remove(t *testing.T) {
	q := newQueue(0)
	require.NoError(t, q.push("a", 3))
	require.NoError(t, q.push("b", 2))
	require.NoError(t, q.push("c", 1))

	assert.True(t, q.remove("b"))
	assert.False(t, q.remove("b"))
	assert.Equal(t, []string{"c", "a"}, q.ids())
}
