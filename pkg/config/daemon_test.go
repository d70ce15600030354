package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func TestLoadDaemonParsesConsumersAndSizes(t *testing.T) {
	body := `
station_file: /etc/tpm/station.ini
metrics_bind: ":9100"
max_packet_size: 9KB
consumers:
  - name: raw0
    library: ""
    factory: raw
    config: '{"nof_tiles":1}'
`
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadDaemon(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.MetricsBind)
	require.Equal(t, 9*datasize.KB, cfg.MaxPacketSize)
	require.Len(t, cfg.Consumers, 1)
	require.Equal(t, "raw0", cfg.Consumers[0].Name)
	require.Equal(t, "raw", cfg.Consumers[0].Factory)
}

func TestLoadDaemonAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("station_file: x\n"), 0o644))

	cfg, err := LoadDaemon(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.MetricsBind)
	require.Equal(t, 9000*datasize.B, cfg.MaxPacketSize)
}
