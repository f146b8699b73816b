package respqueue_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexBischof/mewbase/internal/respqueue"
)

func buf(s string) []byte { return []byte(s) }

func TestInOrderSubmitWritesImmediately(t *testing.T) {
	q := respqueue.New()

	ready := q.Submit(0, buf("a"))
	require.Equal(t, [][]byte{buf("a")}, ready)
	assert.Equal(t, int64(1), q.ExpectedOrder())

	ready = q.Submit(1, buf("b"))
	require.Equal(t, [][]byte{buf("b")}, ready)
	assert.Equal(t, int64(2), q.ExpectedOrder())
}

func TestOutOfOrderSubmitDrainsOnGapClose(t *testing.T) {
	q := respqueue.New()

	// PUBLISH #2 and #3 complete before #1 (S2 in spec.md §8).
	assert.Nil(t, q.Submit(1, buf("two")))
	assert.Nil(t, q.Submit(2, buf("three")))
	assert.Equal(t, 2, q.Pending())

	ready := q.Submit(0, buf("one"))
	assert.Equal(t, [][]byte{buf("one"), buf("two"), buf("three")}, ready)
	assert.Equal(t, int64(3), q.ExpectedOrder())
	assert.Equal(t, 0, q.Pending())
}

func TestRandomCompletionOrderYieldsIssueOrder(t *testing.T) {
	const n = 200
	orders := make([]int64, n)
	for i := range orders {
		orders[i] = int64(i)
	}
	rand.Shuffle(n, func(i, j int) { orders[i], orders[j] = orders[j], orders[i] })

	q := respqueue.New()
	var written []int64
	for _, o := range orders {
		for _, b := range q.Submit(o, []byte{byte(o)}) {
			written = append(written, int64(b[0]))
		}
	}

	require.Len(t, written, n)
	for i, v := range written {
		assert.Equal(t, int64(i), v)
	}
}

func TestSubmitBelowExpectedPanics(t *testing.T) {
	q := respqueue.New()
	q.Submit(0, buf("a"))

	assert.Panics(t, func() {
		q.Submit(0, buf("stale"))
	})
}
