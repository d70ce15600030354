package consumer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tpmdaq/ingest/internal/spead"
)

// buildIntegratedChannelConfig sets IncludedAntennas=1 against NofAntennas=2
// so the persist threshold (NofAntennas*NofPols*NofTiles/IncludedAntennas)
// comes out to 2: one packet per configured channel, letting the test drive
// both channels before the container is persisted.
func buildIntegratedChannelConfig() json.RawMessage {
	cfg := integratedChannelConfig{NofTiles: 1, NofAntennas: 2, NofPols: 1, NofChannels: 2, IncludedAntennas: 1}
	b, _ := json.Marshal(cfg)
	return b
}

func integratedChannelPacket(startChannel int) []spead.Item {
	return []spead.Item{
		{ID: spead.ItemCaptureMode, Value: spead.ModeIntegratedChannel},
		{ID: spead.ItemTileInfo, Value: 0},
		{ID: spead.ItemChannelAntenna, Value: uint64(startChannel) << 32},
		{ID: spead.ItemSyncTime, Value: 1000},
		{ID: spead.ItemTimestamp, Value: 0},
	}
}

func TestIntegratedChannelFilter(t *testing.T) {
	m, err := NewIntegratedChannel(buildIntegratedChannelConfig())
	require.NoError(t, err)
	require.True(t, m.Filter([]spead.Item{{ID: spead.ItemCaptureMode, Value: spead.ModeIntegratedChannel}}))
	require.False(t, m.Filter([]spead.Item{{ID: spead.ItemCaptureMode, Value: spead.ModeBurstChannel}}))
}

// TestIntegratedChannelPlacesPacketsByChannelNotOffsetZero guards against
// item 0x2002 being decoded but never used: every channel must land at its
// own slot in the tile's channel grid, and persisting must happen only once
// every configured channel has contributed (here the threshold
// NofAntennas*NofPols*NofTiles/IncludedAntennas = 2*1*1/1 = 2 equals
// NofChannels * NofTiles).
func TestIntegratedChannelPlacesPacketsByChannelNotOffsetZero(t *testing.T) {
	mode, err := NewIntegratedChannel(buildIntegratedChannelConfig())
	require.NoError(t, err)
	ic := mode.(*integratedChannelMode)
	defer ic.Cleanup()

	var calls int
	var last Metadata
	var lastData []byte
	ic.SetCallback(func(data []byte, ts float64, meta Metadata) {
		calls++
		last = meta
		lastData = append([]byte(nil), data...)
	})

	bytesPerChannel := 2 * 1 * bytesPerChannelSample // nof_antennas * nof_pols * bytes
	require.NoError(t, ic.ProcessOne(integratedChannelPacket(0), []byte{0x11, 0x22, 0x33, 0x44}, 0))
	require.Equal(t, 0, calls)
	require.NoError(t, ic.ProcessOne(integratedChannelPacket(1), []byte{0x55, 0x66, 0x77, 0x88}, 0))

	require.Equal(t, 1, calls)
	require.EqualValues(t, 2, last.PacketCount)
	require.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, lastData[0:bytesPerChannel])
	require.Equal(t, []byte{0x55, 0x66, 0x77, 0x88}, lastData[bytesPerChannel:2*bytesPerChannel])
}
