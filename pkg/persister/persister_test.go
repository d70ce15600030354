package persister

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tpmdaq/ingest/pkg/doublebuffer"
)

func TestPersisterDrainsReadySlots(t *testing.T) {
	db, err := doublebuffer.New(4, 16, 4)
	require.NoError(t, err)
	defer db.Release()

	p := New("test", db)

	var mu sync.Mutex
	var seen []uint64
	p.SetCallback(func(slot *doublebuffer.Slot) {
		mu.Lock()
		seen = append(seen, slot.Seq())
		mu.Unlock()
	})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, db.WriteData(0, 0, []byte{1, 2}, 1.0))
	require.NoError(t, db.WriteData(4, 0, []byte{3, 4}, 2.0))
	require.NoError(t, db.WriteData(8, 0, []byte{5, 6}, 3.0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	}, time.Second, time.Millisecond)
}

func TestPersisterStopIsIdempotentSafe(t *testing.T) {
	db, err := doublebuffer.New(2, 16, 4)
	require.NoError(t, err)
	defer db.Release()

	p := New("test", db)
	require.NoError(t, p.Start())
	require.NoError(t, p.Stop())
}

func TestPersisterRecoversFromPanickingCallback(t *testing.T) {
	db, err := doublebuffer.New(4, 16, 4)
	require.NoError(t, err)
	defer db.Release()

	p := New("test", db)
	var called int
	var mu sync.Mutex
	p.SetCallback(func(slot *doublebuffer.Slot) {
		mu.Lock()
		called++
		mu.Unlock()
		panic("boom")
	})
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, db.WriteData(0, 0, []byte{1, 2}, 1.0))
	require.NoError(t, db.WriteData(4, 0, []byte{3, 4}, 2.0))
	require.NoError(t, db.WriteData(8, 0, []byte{5, 6}, 3.0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called >= 1
	}, time.Second, time.Millisecond)
}
