package consumer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tpmdaq/ingest/internal/spead"
)

func buildAntennaBufferConfig() json.RawMessage {
	cfg := antennaBufferConfig{NofTiles: 1, NofAntennas: 1, NofPols: 2, NofSamples: 2, SamplesPerPacket: 1}
	b, _ := json.Marshal(cfg)
	return b
}

func antennaBufferPacket(pol uint32, counter uint64) []spead.Item {
	tileRaw := uint64(pol) // station=0, tile=0, pol in the low byte
	return []spead.Item{
		{ID: spead.ItemCaptureMode, Value: spead.ModeAntennaBuffer},
		{ID: spead.ItemTileInfo, Value: tileRaw},
		{ID: spead.ItemHeapCounter, Value: counter << 16},
		{ID: spead.ItemSyncTime, Value: 1000},
		{ID: spead.ItemTimestamp, Value: 0},
	}
}

func TestAntennaBufferFilter(t *testing.T) {
	m, err := NewAntennaBuffer(buildAntennaBufferConfig())
	require.NoError(t, err)
	require.True(t, m.Filter([]spead.Item{{ID: spead.ItemCaptureMode, Value: spead.ModeAntennaBuffer}}))
	require.False(t, m.Filter([]spead.Item{{ID: spead.ItemCaptureMode, Value: spead.ModeRawContiguous}}))
}

// TestAntennaBufferAdvanceSeqIsMonotonicNotRingSlot feeds enough packets to
// complete FPGA discovery, fill buffer 0, then cross into buffer 1, and
// checks that advanceTo reports the genuine monotonic buffer index as the
// dynamic callback's sequence rather than the fixed 4-slot ring position
// (spec.md §8 S3 "sequence numbers k and k+1").
func TestAntennaBufferAdvanceSeqIsMonotonicNotRingSlot(t *testing.T) {
	mode, err := NewAntennaBuffer(buildAntennaBufferConfig())
	require.NoError(t, err)
	ab := mode.(*antennaBufferMode)
	defer ab.Cleanup()

	var persisted []Metadata
	var persistedData [][]byte
	ab.SetCallback(func(data []byte, ts float64, meta Metadata) {
		persisted = append(persisted, meta)
		persistedData = append(persistedData, append([]byte(nil), data...))
	})

	// pol0/counter0: discovery-only packet, contributes no data yet.
	require.NoError(t, ab.ProcessOne(antennaBufferPacket(0, 0), []byte{0, 0, 0, 0}, 0))
	// pol1/counter0: completes discovery (2 distinct FPGAs for nof_tiles=1)
	// and writes buffer 0 sample 0.
	require.NoError(t, ab.ProcessOne(antennaBufferPacket(1, 0), []byte{0xAA, 0xBB, 0xCC, 0xDD}, 0))
	// pol0/counter1: same buffer epoch (nof_samples=2), sample 1.
	require.NoError(t, ab.ProcessOne(antennaBufferPacket(0, 1), []byte{0x11, 0x22, 0x33, 0x44}, 0))
	require.Empty(t, persisted)

	// pol0/counter2: global_sample=2 lands in buffer index 1, crossing the
	// epoch boundary and persisting buffer 0 via advanceTo.
	require.NoError(t, ab.ProcessOne(antennaBufferPacket(0, 2), []byte{0, 0, 0, 0}, 0))

	require.Len(t, persisted, 1)
	require.EqualValues(t, 2, persisted[0].PacketCount)
	bytesPerSample := 2 * bytesPerRawSample // nof_pols * bytes
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, persistedData[0][0:bytesPerSample])
	require.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, persistedData[0][bytesPerSample:2*bytesPerSample])

	seq, ok := persisted[0].Extra["seq"].(uint64)
	require.True(t, ok)
	require.EqualValues(t, 0, seq) // buffer index 0, the real monotonic index, not ab.current (1 by now)
}
