package pinned

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapExternalDoesNotOwn(t *testing.T) {
	raw := make([]byte, 128)
	buf := Wrap(raw)
	require.Equal(t, PolicyExternal, buf.Policy())
	require.Equal(t, raw, buf.Bytes())
	require.NoError(t, buf.Release())
}

func TestCacheAlignOffsetWithinLine(t *testing.T) {
	raw := make([]byte, 256)
	off := cacheAlignOffset(raw)
	require.GreaterOrEqual(t, off, 0)
	require.Less(t, off, cacheLineSize)
}

func TestAllocateRejectsNonPositiveSize(t *testing.T) {
	_, err := Allocate(0)
	require.Error(t, err)
	_, err = Allocate(-1)
	require.Error(t, err)
}
