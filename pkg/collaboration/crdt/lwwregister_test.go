package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLWWRegister(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("First write always wins", func(t *testing.T) {
		r := NewLWWRegister()
		assert.False(t, r.Written())

		assert.True(t, r.Set("a", base, "op-1"))
		assert.True(t, r.Written())
		assert.Equal(t, "a", r.Get())
	})

	t.Run("Later timestamp wins", func(t *testing.T) {
		r := NewLWWRegister()
		r.Set("a", base, "op-1")

		assert.True(t, r.Set("b", base.Add(time.Second), "op-2"))
		assert.Equal(t, "b", r.Get())

		// Older write is rejected
		assert.False(t, r.Set("c", base.Add(-time.Second), "op-3"))
		assert.Equal(t, "b", r.Get())
	})

	t.Run("Timestamp ties break by writer id", func(t *testing.T) {
		r := NewLWWRegister()
		r.Set("a", base, "op-1")

		assert.True(t, r.Set("b", base, "op-2"))
		assert.Equal(t, "b", r.Get())

		assert.False(t, r.Set("c", base, "op-0"))
		assert.Equal(t, "b", r.Get())
	})

	t.Run("Identical write is not reapplied", func(t *testing.T) {
		r := NewLWWRegister()
		require.True(t, r.Set("a", base, "op-1"))
		assert.False(t, r.Set("a", base, "op-1"))
		assert.Equal(t, "a", r.Get())
	})

	t.Run("Merge keeps the later write", func(t *testing.T) {
		r1 := NewLWWRegister()
		r1.Set("old", base, "op-1")

		r2 := NewLWWRegister()
		r2.Set("new", base.Add(time.Minute), "op-2")

		require.NoError(t, r1.Merge(r2))
		assert.Equal(t, "new", r1.Get())

		// Merging in the other direction keeps the same winner
		require.NoError(t, r2.Merge(r1))
		assert.Equal(t, "new", r2.Get())

		ts, id := r2.Stamp()
		assert.Equal(t, base.Add(time.Minute), ts)
		assert.Equal(t, "op-2", id)
	})

	t.Run("Merge nil register fails", func(t *testing.T) {
		r := NewLWWRegister()
		assert.Error(t, r.Merge(nil))
	})

	t.Run("Clone creates independent copy", func(t *testing.T) {
		r1 := NewLWWRegister()
		r1.Set("a", base, "op-1")

		r2 := r1.Clone()
		r2.Set("b", base.Add(time.Second), "op-2")

		assert.Equal(t, "a", r1.Get())
		assert.Equal(t, "b", r2.Get())
	})
}
