package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneration(t *testing.T) {
	var g Generation
	first := g.Next()
	assert.True(t, g.Current(first))

	second := g.Next()
	assert.False(t, g.Current(first))
	assert.True(t, g.Current(second))
}

func TestScheduler_RunsInDueOrder(t *testing.T) {
	s := NewScheduler()
	var order []string

	s.After(0.5, func() { order = append(order, "late") })
	s.After(0.1, func() { order = append(order, "early") })
	s.After(0.1, func() { order = append(order, "early-2") })

	s.Advance(0.05)
	assert.Empty(t, order)
	assert.Equal(t, 3, s.Pending())

	s.Advance(1.0)
	assert.Equal(t, []string{"early", "early-2", "late"}, order)
	assert.Equal(t, 0, s.Pending())
	assert.InDelta(t, 1.05, s.Now(), 1e-12)
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	ran := false
	id := s.After(0.1, func() { ran = true })

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	s.Advance(1)
	assert.False(t, ran)
}

func TestScheduler_NestedTasksWaitForNextAdvance(t *testing.T) {
	s := NewScheduler()
	var order []string
	s.After(0.5, func() {
		order = append(order, "outer")
		s.After(0.1, func() { order = append(order, "inner") })
	})

	s.Advance(0.5)
	assert.Equal(t, []string{"outer"}, order)

	s.Advance(0.02)
	assert.Equal(t, []string{"outer"}, order)

	s.Advance(0.1)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestScheduler_ZeroDelayRunsOnNextAdvance(t *testing.T) {
	s := NewScheduler()
	ran := false
	s.After(-1, func() { ran = true })
	assert.False(t, ran)
	s.Advance(0)
	assert.True(t, ran)
}

func TestHooks(t *testing.T) {
	var h Hooks
	var calls []string

	h.Add("a", func(float64) { calls = append(calls, "a") })
	h.Add("b", func(float64) { calls = append(calls, "b") })
	h.Add("a", func(float64) { calls = append(calls, "a2") })

	h.Run(0.016)
	assert.Equal(t, []string{"a2", "b"}, calls)
	assert.True(t, h.Has("b"))

	assert.True(t, h.Remove("a"))
	assert.False(t, h.Remove("a"))
	assert.Equal(t, 1, h.Len())
}
