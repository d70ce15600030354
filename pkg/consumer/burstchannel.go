package consumer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// burstChannelConfig is the JSON configuration for burst channel mode
// (spec.md §4.F "Burst channel (0x4)").
type burstChannelConfig struct {
	NofTiles    int `json:"nof_tiles"`
	NofChannels int `json:"nof_channels"`
	NofSamples  int `json:"nof_samples"`
	NofAntennas int `json:"nof_antennas"`
	NofPols     int `json:"nof_pols"`
}

const bytesPerChannelSample = 2

type burstChannelMode struct {
	cfg burstChannelConfig

	c        *container.Container
	callback DynamicCallback

	mu       sync.Mutex
	syncTime int64
	epochSeq uint64
}

// NewBurstChannel constructs the burst-channel mode's Factory.
func NewBurstChannel(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "nof_tiles", "nof_channels", "nof_samples", "nof_antennas", "nof_pols"); err != nil {
		return nil, err
	}
	var c burstChannelConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("burstchannel: %w", err)
	}
	bytesPerTile := c.NofChannels * c.NofSamples * c.NofAntennas * c.NofPols * bytesPerChannelSample
	cont, err := container.New(container.LayoutTileChannelSampleAntennaPol, c.NofTiles, bytesPerTile)
	if err != nil {
		return nil, fmt.Errorf("burstchannel: %w", err)
	}
	m := &burstChannelMode{cfg: c, c: cont}
	cont.SetCallback(func(data []byte, meta container.Metadata) {
		if m.callback != nil {
			m.callback(data, meta.Timestamp, containerMetadataToDynamic(meta, -1))
		}
	})
	return m, nil
}

func (m *burstChannelMode) SetCallback(cb DynamicCallback) { m.callback = cb }

func (m *burstChannelMode) Filter(items []spead.Item) bool {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	return ok && mode == spead.ModeBurstChannel
}

// ProcessOne implements Mode (spec.md §4.F "Burst channel"): the packet
// carries a contiguous (channel-range × sample-range × antenna-range ×
// pols) slab, copied directly into the tile's dense region at the offset
// implied by the channel/info items.
func (m *burstChannelMode) ProcessOne(items []spead.Item, payload []byte, _ int64) error {
	tileRaw, ok := spead.FindIn(items, spead.ItemTileInfo)
	if !ok {
		return fmt.Errorf("burstchannel: missing tile info")
	}
	_, tile, _ := tileInfo(tileRaw)

	chanRaw, ok := spead.FindIn(items, spead.ItemChannelAntenna)
	if !ok {
		return fmt.Errorf("burstchannel: missing channel/antenna info")
	}
	startChannel := int(chanRaw >> 32)

	payloadOffset := 0
	if off, ok := spead.FindIn(items, spead.ItemPayloadOffset); ok {
		payloadOffset = int(off)
	}
	if payloadOffset > len(payload) {
		return fmt.Errorf("burstchannel: bad payload offset")
	}
	data := payload[payloadOffset:]

	bytesPerChannel := m.cfg.NofSamples * m.cfg.NofAntennas * m.cfg.NofPols * bytesPerChannelSample
	off := startChannel * bytesPerChannel

	var syncTime uint64
	if st, ok := spead.FindIn(items, spead.ItemSyncTime); ok {
		syncTime = st
	}
	var ticks uint64
	if ts, ok := spead.FindIn(items, spead.ItemTimestamp); ok {
		ticks = ts
	}
	timestamp := packetTimestamp(syncTime, ticks, defaultTimestampScale)

	if err := m.c.AddData(tile, off, data, timestamp); err != nil {
		return err
	}
	m.mu.Lock()
	m.syncTime = int64(syncTime)
	m.mu.Unlock()
	return nil
}

// OnStreamEnd persists the current container (spec.md §4.F "Boundary: on
// on_stream_end (timeout) persist the current container").
func (m *burstChannelMode) OnStreamEnd() {
	m.mu.Lock()
	syncTime := m.syncTime
	m.mu.Unlock()
	if m.c.AnyTouched() {
		m.mu.Lock()
		m.epochSeq++
		seq := m.epochSeq
		m.mu.Unlock()
		m.c.PersistContainer(syncTime, seq)
	}
}

func (m *burstChannelMode) Cleanup() error {
	return m.c.Release()
}
