package consumer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// integratedChannelConfig is the JSON configuration for integrated channel
// mode (spec.md §4.F "Integrated channel (0x6)").
type integratedChannelConfig struct {
	NofTiles         int `json:"nof_tiles"`
	NofAntennas      int `json:"nof_antennas"`
	NofPols          int `json:"nof_pols"`
	NofChannels      int `json:"nof_channels"`
	IncludedAntennas int `json:"included_antennas"`
}

type integratedChannelMode struct {
	cfg integratedChannelConfig

	c        *container.Container
	callback DynamicCallback

	mu       sync.Mutex
	absorbed int
	syncTime int64
	epochSeq uint64
}

// NewIntegratedChannel constructs the integrated-channel mode's Factory.
func NewIntegratedChannel(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "nof_tiles", "nof_antennas", "nof_pols", "nof_channels"); err != nil {
		return nil, err
	}
	var c integratedChannelConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("integratedchannel: %w", err)
	}
	if c.IncludedAntennas == 0 {
		c.IncludedAntennas = c.NofAntennas
	}
	bytesPerTile := c.NofChannels * c.NofAntennas * c.NofPols * bytesPerChannelSample
	cont, err := container.New(container.LayoutTileChannelSampleAntennaPol, c.NofTiles, bytesPerTile)
	if err != nil {
		return nil, fmt.Errorf("integratedchannel: %w", err)
	}
	m := &integratedChannelMode{cfg: c, c: cont}
	cont.SetCallback(func(data []byte, meta container.Metadata) {
		if m.callback != nil {
			m.callback(data, meta.Timestamp, containerMetadataToDynamic(meta, -1))
		}
	})
	return m, nil
}

func (m *integratedChannelMode) SetCallback(cb DynamicCallback) { m.callback = cb }

func (m *integratedChannelMode) Filter(items []spead.Item) bool {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	return ok && mode == spead.ModeIntegratedChannel
}

// ProcessOne implements Mode (spec.md §4.F "Integrated channel"): one
// packet per (tile, channel-range, antenna-group), persisting once every
// tile/pol combination has contributed.
func (m *integratedChannelMode) ProcessOne(items []spead.Item, payload []byte, _ int64) error {
	tileRaw, ok := spead.FindIn(items, spead.ItemTileInfo)
	if !ok {
		return fmt.Errorf("integratedchannel: missing tile info")
	}
	_, tile, _ := tileInfo(tileRaw)

	chanRaw, ok := spead.FindIn(items, spead.ItemChannelAntenna)
	if !ok {
		return fmt.Errorf("integratedchannel: missing channel/antenna info")
	}
	startChannel := int(chanRaw >> 32)

	var syncTime uint64
	if st, ok := spead.FindIn(items, spead.ItemSyncTime); ok {
		syncTime = st
	}
	var ticks uint64
	if ts, ok := spead.FindIn(items, spead.ItemTimestamp); ok {
		ticks = ts
	}
	timestamp := packetTimestamp(syncTime, ticks, defaultTimestampScale)

	payloadOffset := 0
	if off, ok := spead.FindIn(items, spead.ItemPayloadOffset); ok {
		payloadOffset = int(off)
	}
	if payloadOffset > len(payload) {
		return fmt.Errorf("integratedchannel: bad payload offset")
	}
	data := payload[payloadOffset:]

	bytesPerChannel := m.cfg.NofAntennas * m.cfg.NofPols * bytesPerChannelSample
	off := startChannel * bytesPerChannel
	if err := m.c.AddData(tile, off, data, timestamp); err != nil {
		return err
	}

	m.mu.Lock()
	m.syncTime = int64(syncTime)
	m.absorbed++
	threshold := m.cfg.NofAntennas * m.cfg.NofPols * m.cfg.NofTiles / m.cfg.IncludedAntennas
	full := m.absorbed >= threshold
	m.mu.Unlock()

	if full {
		m.persist()
	}
	return nil
}

func (m *integratedChannelMode) persist() {
	m.mu.Lock()
	syncTime := m.syncTime
	m.absorbed = 0
	m.epochSeq++
	seq := m.epochSeq
	m.mu.Unlock()
	m.c.PersistContainer(syncTime, seq)
}

func (m *integratedChannelMode) OnStreamEnd() {
	if m.c.AnyTouched() {
		m.persist()
	}
}

func (m *integratedChannelMode) Cleanup() error {
	return m.c.Release()
}
