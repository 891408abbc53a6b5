package crawler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrontierFIFO(t *testing.T) {
	t.Parallel()

	f := NewFrontier(0)
	for i := 0; i < 200; i++ {
		require.NoError(t, f.Push(fmt.Sprintf("p%d", i)))
	}
	front, ok := f.Front()
	require.True(t, ok)
	require.Equal(t, "p0", front)
	require.Equal(t, 200, f.Len())

	for i := 0; i < 200; i++ {
		got, ok := f.PopFront()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("p%d", i), got)
	}
	_, ok = f.PopFront()
	require.False(t, ok)
	_, ok = f.Front()
	require.False(t, ok)
	require.Zero(t, f.Len())
}

func TestFrontierBounded(t *testing.T) {
	t.Parallel()

	f := NewFrontier(2)
	require.NoError(t, f.Push("a"))
	require.NoError(t, f.Push("b"))
	require.ErrorIs(t, f.Push("c"), ErrFrontierFull)

	_, _ = f.PopFront()
	require.NoError(t, f.Push("c"))
}
