package distributed

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneRankOnly(t *testing.T) {
	t.Run("Serial", func(t *testing.T) {
		c := NewComm(NewSerial())
		calls := 0
		guarded := c.OneRankOnly(func() error { calls++; return nil })
		require.NoError(t, guarded())
		require.NoError(t, guarded())
		assert.Equal(t, 2, calls)

		guarded = c.OneRankOnly(func() error { calls++; return nil }, OnRank(1))
		require.NoError(t, guarded())
		assert.Equal(t, 2, calls)
	})

	t.Run("OtherRank", func(t *testing.T) {
		b := newMirrorBackend(4)
		b.topology.Rank = 2
		c := NewComm(b)
		calls := 0
		fn := func() error { calls++; return nil }

		require.NoError(t, c.OneRankOnly(fn, WithBarrier())())
		assert.Equal(t, 0, calls)
		assert.Equal(t, 2, b.barriers)

		require.NoError(t, c.OneRankOnly(fn, OnRank(2))())
		assert.Equal(t, 1, calls)
		assert.Equal(t, 2, b.barriers)
	})

	t.Run("RankReadAtCallTime", func(t *testing.T) {
		b := newMirrorBackend(2)
		c := NewComm(b)
		calls := 0
		guarded := c.OneRankOnly(func() error { calls++; return nil })
		b.topology.Rank = 1
		require.NoError(t, guarded())
		assert.Equal(t, 0, calls)
	})

	t.Run("ErrorStillSynchronizes", func(t *testing.T) {
		b := newMirrorBackend(2)
		c := NewComm(b)
		failure := errors.New("checkpoint failed")
		err := c.OneRankOnly(func() error { return failure }, WithBarrier())()
		require.ErrorIs(t, err, failure)
		assert.Equal(t, 2, b.barriers)
	})

	t.Run("Hook", func(t *testing.T) {
		b := newMirrorBackend(2)
		c := NewComm(b)
		total := 0
		hook := OneRankOnlyHook(c, func(batch int) error { total += batch; return nil }, WithBarrier())
		for range 2 {
			for _, batch := range []int{1, 2, 3} {
				require.NoError(t, hook(batch))
			}
		}
		assert.Equal(t, 12, total)
		assert.Equal(t, 12, b.barriers)
	})
}
