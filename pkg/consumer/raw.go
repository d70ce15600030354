package consumer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// rawConfig is the JSON configuration for the raw ADC mode (spec.md §4.F
// "Raw (0x0/0x1)").
type rawConfig struct {
	NofTiles         int `json:"nof_tiles"`
	NofAntennas      int `json:"nof_antennas"`
	NofPols          int `json:"nof_pols"`
	SamplesPerBuffer int `json:"samples_per_buffer"`
	MaxPacketSize    int `json:"max_packet_size"`
}

const bytesPerRawSample = 2 // one complex sample, 1 byte I + 1 byte Q

// rawMode implements Mode for capture modes 0x0 (single antenna per
// packet) and 0x1 (scattered, multiple antennas per packet).
type rawMode struct {
	cfg rawConfig

	c        *container.Container
	callback DynamicCallback

	mu              sync.Mutex
	absorbedSamples uint64
	syncTime        int64
	epochSeq        uint64
}

// NewRaw constructs the raw mode's Factory.
func NewRaw(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "nof_tiles", "nof_antennas", "nof_pols", "samples_per_buffer", "max_packet_size"); err != nil {
		return nil, err
	}
	var c rawConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("raw: %w", err)
	}
	bytesPerTile := c.NofAntennas * c.SamplesPerBuffer * c.NofPols * bytesPerRawSample
	cont, err := container.New(container.LayoutRawAntennaSamplePol, c.NofTiles, bytesPerTile)
	if err != nil {
		return nil, fmt.Errorf("raw: %w", err)
	}
	m := &rawMode{cfg: c, c: cont}
	cont.SetCallback(func(data []byte, meta container.Metadata) {
		if m.callback == nil {
			return
		}
		m.callback(data, meta.Timestamp, containerMetadataToDynamic(meta, -1))
	})
	return m, nil
}

// SetCallback wires the dynamic data callback.
func (m *rawMode) SetCallback(cb DynamicCallback) { m.callback = cb }

// Filter implements Mode.
func (m *rawMode) Filter(items []spead.Item) bool {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	if !ok {
		return false
	}
	return mode == spead.ModeRawContiguous || mode == spead.ModeRawScattered
}

// ProcessOne implements Mode (spec.md §4.F "Raw").
func (m *rawMode) ProcessOne(items []spead.Item, payload []byte, _ int64) error {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	if !ok {
		return fmt.Errorf("raw: missing capture mode item")
	}
	heapRaw, ok := spead.FindIn(items, spead.ItemHeapCounter)
	if !ok {
		return fmt.Errorf("raw: missing heap counter")
	}
	tileRaw, ok := spead.FindIn(items, spead.ItemTileInfo)
	if !ok {
		return fmt.Errorf("raw: missing tile info")
	}
	_, tile, _ := tileInfo(tileRaw)
	counter, _ := heapCounter(heapRaw)

	payloadOffset := 0
	if off, ok := spead.FindIn(items, spead.ItemPayloadOffset); ok {
		payloadOffset = int(off)
	}
	if payloadOffset > len(payload) {
		return fmt.Errorf("raw: payload offset %d beyond payload length %d", payloadOffset, len(payload))
	}
	data := payload[payloadOffset:]

	startAntenna, antennaCount := uint32(0), uint32(m.cfg.NofAntennas)
	if info, ok := spead.FindIn(items, spead.ItemRawAntennaInfo); ok {
		startAntenna, antennaCount = antennaInfo(info)
	}
	if antennaCount == 0 {
		antennaCount = 1
	}

	samplesPerAntenna := len(data) / (int(antennaCount) * m.cfg.NofPols * bytesPerRawSample)
	if samplesPerAntenna == 0 {
		return fmt.Errorf("raw: packet too short for declared antenna/pol count")
	}

	var syncTime uint64
	if st, ok := spead.FindIn(items, spead.ItemSyncTime); ok {
		syncTime = st
	}
	var ticks uint64
	if ts, ok := spead.FindIn(items, spead.ItemTimestamp); ok {
		ticks = ts
	}
	timestamp := packetTimestamp(syncTime, ticks, defaultTimestampScale)

	startSample := int(counter) * samplesPerAntenna % m.cfg.SamplesPerBuffer
	bytesPerSample := m.cfg.NofPols * bytesPerRawSample

	if mode == spead.ModeRawContiguous {
		off := (int(startAntenna)*m.cfg.SamplesPerBuffer + startSample) * bytesPerSample
		if err := m.c.AddData(tile, off, data, timestamp); err != nil {
			return err
		}
	} else {
		stride := int(antennaCount) * bytesPerSample
		writes := make([]container.ScatterWrite, 0, samplesPerAntenna*int(antennaCount))
		for s := 0; s < samplesPerAntenna; s++ {
			srcOff := s * stride
			if srcOff+stride > len(data) {
				break
			}
			for a := 0; a < int(antennaCount); a++ {
				antennaSrc := data[srcOff+a*bytesPerSample : srcOff+(a+1)*bytesPerSample]
				destAntenna := int(startAntenna) + a
				destSample := (startSample + s) % m.cfg.SamplesPerBuffer
				off := (destAntenna*m.cfg.SamplesPerBuffer + destSample) * bytesPerSample
				writes = append(writes, container.ScatterWrite{Off: off, Src: antennaSrc})
			}
		}
		if err := m.c.AddDataScatter(tile, writes, timestamp); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.syncTime = int64(syncTime)
	m.absorbedSamples += uint64(samplesPerAntenna) * uint64(antennaCount)
	full := m.absorbedSamples >= uint64(m.cfg.NofTiles)*uint64(m.cfg.NofAntennas)*uint64(m.cfg.SamplesPerBuffer)
	m.mu.Unlock()

	if full {
		m.persist()
	}
	return nil
}

func (m *rawMode) persist() {
	m.mu.Lock()
	syncTime := m.syncTime
	m.absorbedSamples = 0
	m.epochSeq++
	seq := m.epochSeq
	m.mu.Unlock()
	m.c.PersistContainer(syncTime, seq)
}

// OnStreamEnd implements Mode: flush whatever has accumulated.
func (m *rawMode) OnStreamEnd() {
	if m.c.AnyTouched() {
		m.persist()
	}
}

// Cleanup implements Mode.
func (m *rawMode) Cleanup() error {
	return m.c.Release()
}
