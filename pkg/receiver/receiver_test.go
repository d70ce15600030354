package receiver

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tpmdaq/ingest/internal/ring"
	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/transport"
	"github.com/tpmdaq/ingest/pkg/transport/virtual"
)

func encodePacket(mode uint64, payload []byte) []byte {
	buf := make([]byte, 16+len(payload))
	buf[0], buf[1], buf[2], buf[3] = spead.Magic, spead.Version, 5, 5
	binary.BigEndian.PutUint16(buf[6:8], 1)
	item := (uint64(1) << 63) | (uint64(spead.ItemCaptureMode&0x7FFF) << 48) | (mode & 0xFFFFFFFFFFFF)
	binary.BigEndian.PutUint64(buf[8:16], item)
	copy(buf[16:], payload)
	return buf
}

type acceptAllMode struct{ accept uint64 }

func (m acceptAllMode) Filter(items []spead.Item) bool {
	v, ok := spead.FindIn(items, spead.ItemCaptureMode)
	return ok && v == m.accept
}
func (acceptAllMode) ProcessOne(items []spead.Item, payload []byte, arrival int64) error { return nil }
func (acceptAllMode) OnStreamEnd()                                                       {}
func (acceptAllMode) Cleanup() error                                                     { return nil }

func TestReceiverDispatchesMatchingConsumerOnly(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	ringA := ring.New(4, 128)
	ringB := ring.New(4, 128)
	r.RegisterConsumer("raw", acceptAllMode{accept: spead.ModeRawContiguous}, ringA)
	r.RegisterConsumer("burst", acceptAllMode{accept: spead.ModeBurstChannel}, ringB)

	r.Handle(transport.Datagram{Payload: encodePacket(spead.ModeRawContiguous, []byte{1, 2})})

	slot, ok := ringA.PullTimeout(time.Second)
	require.True(t, ok)
	require.NotNil(t, slot)
	ringA.ReleaseRead()

	_, ok = ringB.PullTimeout(10 * time.Millisecond)
	require.False(t, ok)

	require.EqualValues(t, 1, r.PacketsTotal())
}

func TestReceiverDropsMalformedPackets(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	r.Handle(transport.Datagram{Payload: []byte{0, 0, 0}})
	require.EqualValues(t, 1, r.PacketsTotal())
	require.EqualValues(t, 0, r.DropsTotal())
}

func TestReceiverCountsRingFullDrops(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	smallRing := ring.New(1, 128)
	r.RegisterConsumer("raw", acceptAllMode{accept: spead.ModeRawContiguous}, smallRing)

	r.Handle(transport.Datagram{Payload: encodePacket(spead.ModeRawContiguous, []byte{1})})
	r.Handle(transport.Datagram{Payload: encodePacket(spead.ModeRawContiguous, []byte{2})})

	require.EqualValues(t, 1, r.DropsTotal())
}

func TestReceiverAddPortUsesVirtualBackend(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Start())
	defer r.Stop()

	ringA := ring.New(4, 128)
	r.RegisterConsumer("raw", acceptAllMode{accept: spead.ModeRawContiguous}, ringA)

	require.NoError(t, r.AddPort("virtual", "test"))
	defer r.StopPort("virtual", "test")

	r.mu.Lock()
	src := r.sources["virtual/test"].(*virtual.Source)
	r.mu.Unlock()

	src.Inject(transport.Datagram{Payload: encodePacket(spead.ModeRawContiguous, []byte{9})})

	_, ok := ringA.PullTimeout(time.Second)
	require.True(t, ok)
}
