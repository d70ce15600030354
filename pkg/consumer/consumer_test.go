package consumer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequiredKeysReportsAllMissingIndependently(t *testing.T) {
	raw := map[string]json.RawMessage{
		"nof_tiles": json.RawMessage(`1`),
	}
	err := RequiredKeys(raw, "nof_tiles", "nof_antennas", "nof_pols")
	require.Error(t, err)
	require.Contains(t, err.Error(), "nof_antennas")
	require.Contains(t, err.Error(), "nof_pols")
}

func TestRequiredKeysPassesWhenAllPresent(t *testing.T) {
	raw := map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
	}
	require.NoError(t, RequiredKeys(raw, "a", "b"))
}

func TestTileInfoRoundTrip(t *testing.T) {
	raw := (uint64(3) << 24) | (uint64(42) << 8) | uint64(1)
	station, tile, pol := tileInfo(raw)
	require.EqualValues(t, 3, station)
	require.EqualValues(t, 42, tile)
	require.EqualValues(t, 1, pol)
}

func TestHeapCounterRoundTrip(t *testing.T) {
	raw := (uint64(777) << 16) | uint64(3)
	counter, idx := heapCounter(raw)
	require.EqualValues(t, 777, counter)
	require.EqualValues(t, 3, idx)
}

func TestPacketTimestamp(t *testing.T) {
	ts := packetTimestamp(1000, 500, defaultTimestampScale)
	require.InDelta(t, 1000+500*1.08e-6, ts, 1e-9)
}
