package inmemory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeatStore_LastSeatHasOneWinner(t *testing.T) {
	t.Parallel()

	store := NewSeatStore()
	ctx := context.Background()
	const capacity = 10
	const contenders = 200

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Reserve(ctx, 1, capacity)
			require.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(capacity), granted.Load())
	filled, err := store.Filled(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(capacity), filled)
}

func TestSeatStore_ReleaseFloorsAtZero(t *testing.T) {
	t.Parallel()

	store := NewSeatStore()
	ctx := context.Background()

	_, ok, err := store.Reserve(ctx, 1, 5)
	require.NoError(t, err)
	require.True(t, ok)

	filled, err := store.Release(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), filled)

	// releasing an empty wave stays at zero
	filled, err = store.Release(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), filled)
}

func TestSeatStore_WavesAreIndependent(t *testing.T) {
	t.Parallel()

	store := NewSeatStore()
	ctx := context.Background()

	_, ok, err := store.Reserve(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Reserve(ctx, 1, 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Reserve(ctx, 2, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSeatStore_SetFilled(t *testing.T) {
	t.Parallel()

	store := NewSeatStore()
	ctx := context.Background()

	require.NoError(t, store.SetFilled(ctx, 1, 7))
	filled, err := store.Filled(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(7), filled)

	// negative corrections clamp to zero
	require.NoError(t, store.SetFilled(ctx, 1, -3))
	filled, err = store.Filled(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), filled)
}

func TestSeatStore_Unavailable(t *testing.T) {
	t.Parallel()

	store := NewSeatStore()
	ctx := context.Background()

	store.SetUnavailable(true)
	_, _, err := store.Reserve(ctx, 1, 5)
	require.Error(t, err)
	_, err = store.Release(ctx, 1)
	require.Error(t, err)
	_, err = store.Filled(ctx, 1)
	require.Error(t, err)

	store.SetUnavailable(false)
	_, ok, err := store.Reserve(ctx, 1, 5)
	require.NoError(t, err)
	require.True(t, ok)
}
