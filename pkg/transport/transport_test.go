package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tpmdaq/ingest/pkg/transport"
	_ "github.com/tpmdaq/ingest/pkg/transport/virtual"
)

func TestNewSourceUnknownBackend(t *testing.T) {
	_, err := transport.NewSource("does-not-exist", "")
	require.Error(t, err)
}

func TestNewSourceKnownBackend(t *testing.T) {
	src, err := transport.NewSource("virtual", "label")
	require.NoError(t, err)
	require.NotNil(t, src)
}
