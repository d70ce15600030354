package consumer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// integratedBeamConfig is the JSON configuration for integrated beam mode
// (spec.md §4.F "Integrated beam (0x9/0x11)").
type integratedBeamConfig struct {
	NofTiles    int `json:"nof_tiles"`
	NofPols     int `json:"nof_pols"`
	NofSamples  int `json:"nof_samples"`
	NofBeams    int `json:"nof_beams"`
	NofChannels int `json:"nof_channels"`
}

type integratedBeamMode struct {
	cfg integratedBeamConfig

	c        *container.Container
	callback DynamicCallback

	mu       sync.Mutex
	absorbed int
	saved    uint64
	haveBase bool
	syncTime int64
	epochSeq uint64
}

// NewIntegratedBeam constructs the integrated-beam mode's Factory.
func NewIntegratedBeam(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "nof_tiles", "nof_pols", "nof_samples", "nof_beams", "nof_channels"); err != nil {
		return nil, err
	}
	var c integratedBeamConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("integratedbeam: %w", err)
	}
	bytesPerTile := c.NofBeams * c.NofChannels * c.NofSamples * c.NofPols * bytesPerChannelSample
	cont, err := container.New(container.LayoutTileBeamChannelSamplePol, c.NofTiles, bytesPerTile)
	if err != nil {
		return nil, fmt.Errorf("integratedbeam: %w", err)
	}
	m := &integratedBeamMode{cfg: c, c: cont}
	cont.SetCallback(func(data []byte, meta container.Metadata) {
		if m.callback != nil {
			m.callback(data, meta.Timestamp, containerMetadataToDynamic(meta, -1))
		}
	})
	return m, nil
}

func (m *integratedBeamMode) SetCallback(cb DynamicCallback) { m.callback = cb }

func (m *integratedBeamMode) Filter(items []spead.Item) bool {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	return ok && (mode == spead.ModeIntegratedBeamA || mode == spead.ModeIntegratedBeamB)
}

// ProcessOne implements Mode (spec.md §4.F "Integrated beam"): each
// packet's beam and channel (item 0x2005) place it within the tile's
// beam/channel grid.
func (m *integratedBeamMode) ProcessOne(items []spead.Item, payload []byte, _ int64) error {
	tileRaw, ok := spead.FindIn(items, spead.ItemBeamTileInfo)
	if !ok {
		return fmt.Errorf("integratedbeam: missing beam tile info")
	}
	_, tile, _ := tileInfo(tileRaw)

	chanRaw, ok := spead.FindIn(items, spead.ItemBeamChannelInfo)
	if !ok {
		return fmt.Errorf("integratedbeam: missing beam/channel info")
	}
	beam, channel := beamChannelInfo(chanRaw)
	if int(beam) >= m.cfg.NofBeams || int(channel) >= m.cfg.NofChannels {
		return fmt.Errorf("integratedbeam: beam/channel out of configured range")
	}

	heapRaw, ok := spead.FindIn(items, spead.ItemHeapCounter)
	if !ok {
		return fmt.Errorf("integratedbeam: missing heap counter")
	}
	counter, _ := heapCounter(heapRaw)

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
		return fmt.Errorf("integratedbeam: bad payload offset")
	}
	data := payload[payloadOffset:]

	beamChannelBlock := m.cfg.NofSamples * m.cfg.NofPols * bytesPerChannelSample
	off := (int(beam)*m.cfg.NofChannels + int(channel)) * beamChannelBlock
	if err := m.c.AddData(tile, off, data, timestamp); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.haveBase {
		m.saved = counter
		m.haveBase = true
	}
	m.syncTime = int64(syncTime)
	m.absorbed++
	total := m.cfg.NofPols * m.cfg.NofTiles * m.cfg.NofSamples * m.cfg.NofBeams
	full := m.absorbed >= total || counter-m.saved >= uint64(m.cfg.NofSamples)
	m.mu.Unlock()

	if full {
		m.persist(counter)
	}
	return nil
}

func (m *integratedBeamMode) persist(counter uint64) {
	m.mu.Lock()
	syncTime := m.syncTime
	m.absorbed = 0
	m.saved = counter
	m.epochSeq++
	seq := m.epochSeq
	m.mu.Unlock()
	m.c.PersistContainer(syncTime, seq)
}

func (m *integratedBeamMode) OnStreamEnd() {
	m.mu.Lock()
	saved := m.saved
	m.mu.Unlock()
	if m.c.AnyTouched() {
		m.persist(saved)
	}
}

func (m *integratedBeamMode) Cleanup() error {
	return m.c.Release()
}
