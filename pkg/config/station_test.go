package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeStationFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadStationParsesPortsAndDefaults(t *testing.T) {
	path := writeStationFile(t, "[station]\ninterface = eth1\nports = 4660,4661,4662\nnof_tiles = 2\n")
	cfg, err := LoadStation(path)
	require.NoError(t, err)
	require.Equal(t, "eth1", cfg.Interface)
	require.Equal(t, []int{4660, 4661, 4662}, cfg.Ports)
	require.Equal(t, 2, cfg.NofTiles)
	require.Equal(t, 16, cfg.NofAntennas) // default, not overridden
}

func TestLoadStationRequiresPorts(t *testing.T) {
	path := writeStationFile(t, "[station]\ninterface = eth0\n")
	_, err := LoadStation(path)
	require.Error(t, err)
}

func TestLoadStationMissingSection(t *testing.T) {
	path := writeStationFile(t, "[other]\nkey = value\n")
	_, err := LoadStation(path)
	require.Error(t, err)
}
