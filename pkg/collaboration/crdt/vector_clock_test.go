package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClock(t *testing.T) {
	t.Run("New vector clock is empty", func(t *testing.T) {
		vc := NewVectorClock()
		assert.NotNil(t, vc)
		assert.Empty(t, vc)
	})

	t.Run("Increment advances per node", func(t *testing.T) {
		vc := NewVectorClock()
		vc.Increment("session-a")
		vc.Increment("session-a")
		vc.Increment("session-b")

		assert.Equal(t, uint64(2), vc["session-a"])
		assert.Equal(t, uint64(1), vc["session-b"])
	})

	t.Run("Update takes pointwise maximum", func(t *testing.T) {
		vc1 := VectorClock{"a": 5, "b": 3}
		vc2 := VectorClock{"a": 3, "b": 5, "c": 1}

		vc1.Update(vc2)

		assert.Equal(t, VectorClock{"a": 5, "b": 5, "c": 1}, vc1)
	})

	t.Run("HappensBefore detects causality", func(t *testing.T) {
		earlier := VectorClock{"a": 1, "b": 2}
		later := VectorClock{"a": 2, "b": 3}

		assert.True(t, earlier.HappensBefore(later))
		assert.False(t, later.HappensBefore(earlier))
	})

	t.Run("HappensBefore sees nodes only the other clock knows", func(t *testing.T) {
		earlier := VectorClock{"a": 1}
		later := VectorClock{"a": 1, "b": 1}

		assert.True(t, earlier.HappensBefore(later))
		assert.False(t, later.HappensBefore(earlier))
	})

	t.Run("Equal clocks do not happen before each other", func(t *testing.T) {
		vc1 := VectorClock{"a": 1, "b": 2}
		vc2 := VectorClock{"a": 1, "b": 2}

		assert.False(t, vc1.HappensBefore(vc2))
		assert.False(t, vc2.HappensBefore(vc1))
		assert.True(t, vc1.Concurrent(vc2))
	})

	t.Run("Concurrent detects independent histories", func(t *testing.T) {
		vc1 := VectorClock{"a": 2, "b": 1}
		vc2 := VectorClock{"a": 1, "b": 2}

		assert.True(t, vc1.Concurrent(vc2))
		assert.True(t, vc2.Concurrent(vc1))

		ordered := VectorClock{"a": 2, "b": 3}
		assert.False(t, vc1.Concurrent(ordered))
	})

	t.Run("Clone creates independent copy", func(t *testing.T) {
		vc1 := VectorClock{"a": 1, "b": 2}
		vc2 := vc1.Clone()

		vc2.Increment("a")

		assert.Equal(t, uint64(1), vc1["a"])
		assert.Equal(t, uint64(2), vc2["a"])
	})
}

func BenchmarkVectorClockUpdate(b *testing.B) {
	vc1 := VectorClock{"a": 100, "b": 200, "c": 300}
	vc2 := VectorClock{"a": 150, "b": 150, "d": 100}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		vc3 := vc1.Clone()
		vc3.Update(vc2)
	}
}
