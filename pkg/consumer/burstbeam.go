package consumer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// burstBeamConfig is the JSON configuration for burst beam mode
// (spec.md §4.F "Burst beam (0x8)").
type burstBeamConfig struct {
	NofTiles    int `json:"nof_tiles"`
	NofPols     int `json:"nof_pols"`
	NofSamples  int `json:"nof_samples"`
	NofChannels int `json:"nof_channels"`
}

type burstBeamMode struct {
	cfg burstBeamConfig

	c        *container.Container
	callback DynamicCallback

	mu       sync.Mutex
	syncTime int64
	epochSeq uint64
}

// NewBurstBeam constructs the burst-beam mode's Factory.
func NewBurstBeam(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "nof_tiles", "nof_pols", "nof_samples", "nof_channels"); err != nil {
		return nil, err
	}
	var c burstBeamConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("burstbeam: %w", err)
	}
	bytesPerTile := c.NofPols * c.NofSamples * c.NofChannels * bytesPerChannelSample
	cont, err := container.New(container.LayoutTilePolSampleChannel, c.NofTiles, bytesPerTile)
	if err != nil {
		return nil, fmt.Errorf("burstbeam: %w", err)
	}
	m := &burstBeamMode{cfg: c, c: cont}
	cont.SetCallback(func(data []byte, meta container.Metadata) {
		if m.callback != nil {
			m.callback(data, meta.Timestamp, containerMetadataToDynamic(meta, -1))
		}
	})
	return m, nil
}

func (m *burstBeamMode) SetCallback(cb DynamicCallback) { m.callback = cb }

func (m *burstBeamMode) Filter(items []spead.Item) bool {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	return ok && mode == spead.ModeBurstBeam
}

// ProcessOne implements Mode (spec.md §4.F "Burst beam"): each packet
// contributes a contiguous slab [offset, offset+payload/4) for the channel
// range item 0x2005 names, with successive input samples interleaving
// pol0, pol1.
func (m *burstBeamMode) ProcessOne(items []spead.Item, payload []byte, _ int64) error {
	tileRaw, ok := spead.FindIn(items, spead.ItemBeamTileInfo)
	if !ok {
		return fmt.Errorf("burstbeam: missing beam tile info")
	}
	_, tile, _ := tileInfo(tileRaw)

	chanRaw, ok := spead.FindIn(items, spead.ItemBeamChannelInfo)
	if !ok {
		return fmt.Errorf("burstbeam: missing beam/channel info")
	}
	_, startChannel := beamChannelInfo(chanRaw)

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
		return fmt.Errorf("burstbeam: bad payload offset")
	}
	data := payload[payloadOffset:]
	quarter := len(data) / 4
	if quarter == 0 {
		return fmt.Errorf("burstbeam: payload too short")
	}

	for pol := 0; pol < m.cfg.NofPols && pol < 2; pol++ {
		slab := make([]byte, quarter)
		for i := 0; i < quarter/bytesPerChannelSample; i++ {
			srcIdx := i*2 + pol
			srcOff := srcIdx * bytesPerChannelSample
			if srcOff+bytesPerChannelSample > len(data) {
				break
			}
			copy(slab[i*bytesPerChannelSample:(i+1)*bytesPerChannelSample], data[srcOff:srcOff+bytesPerChannelSample])
		}
		polStride := m.cfg.NofSamples * m.cfg.NofChannels * bytesPerChannelSample
		channelStride := m.cfg.NofSamples * bytesPerChannelSample
		off := pol*polStride + startChannel*channelStride
		if err := m.c.AddData(tile, off, slab, timestamp); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.syncTime = int64(syncTime)
	m.mu.Unlock()
	return nil
}

func (m *burstBeamMode) OnStreamEnd() {
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

func (m *burstBeamMode) Cleanup() error {
	return m.c.Release()
}
