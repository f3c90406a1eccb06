package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetMissing(t *testing.T) {
	_, found, err := NewStore().Get(context.Background(), "credentials")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Update(ctx, "k", func(current string, found bool) (string, error) {
		assert.False(t, found)
		return "v1", nil
	}))
	require.NoError(t, s.Update(ctx, "k", func(current string, found bool) (string, error) {
		assert.True(t, found)
		return current + "+v2", nil
	}))

	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1+v2", v)
}

func TestStore_UpdateErrorKeepsValue(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Update(ctx, "k", func(string, bool) (string, error) { return "v1", nil }))

	boom := errors.New("boom")
	err := s.Update(ctx, "k", func(string, bool) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "v1", v)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, "k", func(current string, _ bool) (string, error) {
				return current + "x", nil
			})
		}()
	}
	wg.Wait()

	v, _, _ := s.Get(ctx, "k")
	assert.Len(t, v, 50)
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewStore().Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
