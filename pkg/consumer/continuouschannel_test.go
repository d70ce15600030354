package consumer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tpmdaq/ingest/internal/spead"
)

func buildContinuousConfig() json.RawMessage {
	cfg := continuousChannelConfig{
		NofTiles: 1, NofAntennas: 1, NofPols: 1, NofChannels: 1, NofSamples: 2,
		SamplingTimeSeconds: 0,
	}
	b, _ := json.Marshal(cfg)
	return b
}

func TestContinuousChannelFilter(t *testing.T) {
	m, err := NewContinuousChannel(buildContinuousConfig())
	require.NoError(t, err)
	require.True(t, m.Filter([]spead.Item{{ID: spead.ItemCaptureMode, Value: spead.ModeContinuousChannelA}}))
	require.True(t, m.Filter([]spead.Item{{ID: spead.ItemCaptureMode, Value: spead.ModeContinuousChannelB}}))
	require.False(t, m.Filter([]spead.Item{{ID: spead.ItemCaptureMode, Value: spead.ModeBurstChannel}}))
}

func packetFor(tile, pol uint32, counter uint64) []spead.Item {
	tileVal := (uint64(0) << 24) | (uint64(tile) << 8) | uint64(pol)
	return []spead.Item{
		{ID: spead.ItemTileInfo, Value: tileVal},
		{ID: spead.ItemHeapCounter, Value: counter << 16},
		{ID: spead.ItemSyncTime, Value: 1000},
		{ID: spead.ItemTimestamp, Value: 0},
	}
}

// TestContinuousChannelWrapTriggersEpoch feeds the reference source
// (tile 0, pol 0) a counter sequence that wraps at the 24-bit boundary
// (5, 3, 0) with nof_buffer_skips left at its default (treated as 1, so
// every epoch is kept). The wrap packet is the one that observes
// logicalCounter%2^24==0 with two packets already absorbed into the
// current container, so it triggers exactly one epoch advance and one
// persisted container before starting a fresh one at ringIdx 1.
func TestContinuousChannelWrapTriggersEpoch(t *testing.T) {
	mode, err := NewContinuousChannel(buildContinuousConfig())
	require.NoError(t, err)
	cc := mode.(*continuousChannelMode)
	defer cc.Cleanup()

	var persisted int
	var last Metadata
	cc.callback = func(data []byte, ts float64, meta Metadata) {
		persisted++
		last = meta
	}

	payload := []byte{1, 2}
	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 5), payload, 0))
	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 3), payload, 0))
	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 0), payload, 0))

	require.Equal(t, 1, persisted)
	require.EqualValues(t, 0, last.Tile)
	require.Equal(t, 1, cc.ringIdx)
	require.True(t, cc.containers[1].AnyTouched())
}

// TestContinuousChannelPlacesSamplesBySlotAndCountsPackets verifies packets
// land at their logical-counter sample offset, not all at offset zero, and
// that each packet bumps PacketCount by exactly one.
func TestContinuousChannelPlacesSamplesBySlotAndCountsPackets(t *testing.T) {
	mode, err := NewContinuousChannel(buildContinuousConfig())
	require.NoError(t, err)
	cc := mode.(*continuousChannelMode)
	defer cc.Cleanup()

	var persisted []Metadata
	var persistedData [][]byte
	cc.callback = func(data []byte, ts float64, meta Metadata) {
		persisted = append(persisted, meta)
		persistedData = append(persistedData, append([]byte(nil), data...))
	}

	// sample 0 then sample 1 (NofSamples=2), same epoch, then wrap to close it.
	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 0), []byte{0xAA, 0xBB}, 0))
	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 1), []byte{0xCC, 0xDD}, 0))
	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 0), []byte{0xEE, 0xFF}, 0))

	require.Len(t, persisted, 1)
	require.EqualValues(t, 2, persisted[0].PacketCount)
	data := persistedData[0]
	require.Equal(t, []byte{0xAA, 0xBB}, data[0:2])
	require.Equal(t, []byte{0xCC, 0xDD}, data[2:4])
}

// TestContinuousChannelOnStreamEndSeqIncreasesAcrossEpochs exercises the
// monotonic epoch counter carried in Metadata.Extra["seq"]: successive
// flushes must report strictly increasing values, unlike the fixed 4-slot
// ring index, so a downstream consumer can tell epochs apart even when the
// ring recycles a slot.
func TestContinuousChannelOnStreamEndSeqIncreasesAcrossEpochs(t *testing.T) {
	mode, err := NewContinuousChannel(buildContinuousConfig())
	require.NoError(t, err)
	cc := mode.(*continuousChannelMode)
	defer cc.Cleanup()

	var seqs []uint64
	cc.callback = func(data []byte, ts float64, meta Metadata) {
		seqs = append(seqs, meta.Extra["seq"].(uint64))
	}

	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 0), []byte{1, 2}, 0))
	cc.OnStreamEnd()
	require.NoError(t, cc.ProcessOne(packetFor(0, 0, 0), []byte{3, 4}, 0))
	cc.OnStreamEnd()

	require.Len(t, seqs, 2)
	require.Less(t, seqs[0], seqs[1])
}
