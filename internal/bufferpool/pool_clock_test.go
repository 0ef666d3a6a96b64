package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nova-kv/bptreedb/internal/storage"
)

// TestClockEvictableCount exercises clockSetEvictable's bookkeeping of
// clockCount directly, independent of any frame actually holding a page.
func TestClockEvictableCount(t *testing.T) {
	p := NewPool(4, nil)

	p.clockTouch(0)
	p.clockTouch(1)
	require.Equal(t, 0, p.clockCount)

	p.clockSetEvictable(0, true)
	require.Equal(t, 1, p.clockCount)

	p.clockSetEvictable(1, true)
	require.Equal(t, 2, p.clockCount)

	p.clockSetEvictable(0, false)
	require.Equal(t, 1, p.clockCount)

	// Forgetting an already non-evictable slot must not underflow the count.
	p.clockForget(3)
	require.Equal(t, 1, p.clockCount)
}

func TestClockEvictNoneEvictable(t *testing.T) {
	p := NewPool(2, nil)
	p.clockTouch(0)
	p.clockTouch(1)

	_, ok := p.clockEvict()
	require.False(t, ok)
	require.Equal(t, 0, p.clockCount)
}

// TestClockEvictSecondChance matches CLOCK's defining behavior: a
// reference bit set on every slot forces one full sweep to clear them
// before any slot is picked as a victim.
func TestClockEvictSecondChance(t *testing.T) {
	p := NewPool(3, nil)
	for i := 0; i < 3; i++ {
		p.clockTouch(i)
		p.clockSetEvictable(i, true)
	}
	require.Equal(t, 3, p.clockCount)

	v1, ok := p.clockEvict()
	require.True(t, ok)
	require.GreaterOrEqual(t, v1, 0)
	require.Less(t, v1, 3)
	require.Equal(t, 2, p.clockCount)

	v2, ok := p.clockEvict()
	require.True(t, ok)
	require.NotEqual(t, v1, v2)
	require.Equal(t, 1, p.clockCount)

	v3, ok := p.clockEvict()
	require.True(t, ok)
	require.NotEqual(t, v1, v3)
	require.NotEqual(t, v2, v3)
	require.Equal(t, 0, p.clockCount)

	_, ok = p.clockEvict()
	require.False(t, ok)
}

func TestClockForgetPreventsEviction(t *testing.T) {
	p := NewPool(2, nil)
	p.clockTouch(0)
	p.clockTouch(1)
	p.clockSetEvictable(0, true)
	p.clockSetEvictable(1, true)
	require.Equal(t, 2, p.clockCount)

	p.clockForget(0)
	require.Equal(t, 1, p.clockCount)

	v, ok := p.clockEvict()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 0, p.clockCount)

	_, ok = p.clockEvict()
	require.False(t, ok)
}

// TestGetPageEvictsUnpinnedFrameUnderCapacity drives eviction through the
// public Pool surface: once every frame is full, fetching a new page must
// evict an unpinned one and reuse its slot.
func TestGetPageEvictsUnpinnedFrameUnderCapacity(t *testing.T) {
	dir := t.TempDir()
	f, err := storage.OpenFile(filepath.Join(dir, "table.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	p := NewPool(2, nil)
	p.OpenTable(1, f)

	pp0, err := p.GetPage(1, 0)
	require.NoError(t, err)
	require.NoError(t, pp0.Unpin(false))

	pp1, err := p.GetPage(1, 1)
	require.NoError(t, err)
	require.NoError(t, pp1.Unpin(false))

	// Both frames are now unpinned and evictable; a third distinct page
	// must evict one of them rather than hitting the all-pinned invariant
	// panic.
	pp2, err := p.GetPage(1, 2)
	require.NoError(t, err)
	require.NoError(t, pp2.Unpin(false))
}
