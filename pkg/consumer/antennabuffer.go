package consumer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// antennaBufferConfig is the JSON configuration for antenna buffer mode
// (spec.md §4.F "Antenna buffer (0xC)").
type antennaBufferConfig struct {
	NofTiles         int `json:"nof_tiles"`
	NofAntennas      int `json:"nof_antennas"`
	NofPols          int `json:"nof_pols"`
	NofSamples       int `json:"nof_samples"`
	SamplesPerPacket int `json:"samples_per_packet"`
}

const nofAntennaBufferContainers = 4
const discoveryWindow = 100 * time.Microsecond
const globalSampleScale = 864 * 256 / 8

type antennaBufferMode struct {
	cfg antennaBufferConfig

	containers [nofAntennaBufferContainers]*container.Container
	current    int

	mu              sync.Mutex
	discoveryStart  time.Time
	discovering     bool
	seenFPGAs       map[uint32]uint64
	baseSample      uint64
	baseSet         bool
	syncTime        int64
	callback        DynamicCallback
}

// NewAntennaBuffer constructs the antenna-buffer mode's Factory.
func NewAntennaBuffer(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "nof_tiles", "nof_antennas", "nof_pols", "nof_samples", "samples_per_packet"); err != nil {
		return nil, err
	}
	var c antennaBufferConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("antennabuffer: %w", err)
	}
	bytesPerTile := c.NofAntennas * c.NofSamples * c.NofPols * bytesPerRawSample
	m := &antennaBufferMode{cfg: c, seenFPGAs: make(map[uint32]uint64)}
	for i := range m.containers {
		cont, err := container.New(container.LayoutTileAntennaSamplePol, c.NofTiles, bytesPerTile)
		if err != nil {
			return nil, fmt.Errorf("antennabuffer: container %d: %w", i, err)
		}
		idx := i
		cont.SetCallback(func(data []byte, meta container.Metadata) {
			if m.callback != nil {
				m.callback(data, meta.Timestamp, containerMetadataToDynamic(meta, idx))
			}
		})
		m.containers[i] = cont
	}
	return m, nil
}

func (m *antennaBufferMode) SetCallback(cb DynamicCallback) { m.callback = cb }

func (m *antennaBufferMode) Filter(items []spead.Item) bool {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	return ok && mode == spead.ModeAntennaBuffer
}

// ProcessOne implements Mode (spec.md §4.F "Antenna buffer").
func (m *antennaBufferMode) ProcessOne(items []spead.Item, payload []byte, arrival int64) error {
	tileRaw, ok := spead.FindIn(items, spead.ItemTileInfo)
	if !ok {
		return fmt.Errorf("antennabuffer: missing tile info")
	}
	_, tile, pol := tileInfo(tileRaw)
	fpgaID := pol & 1
	fpgaKey := tile*2 + fpgaID

	heapRaw, ok := spead.FindIn(items, spead.ItemHeapCounter)
	if !ok {
		return fmt.Errorf("antennabuffer: missing heap counter")
	}
	counter, _ := heapCounter(heapRaw)

	var ticks uint64
	if ts, ok := spead.FindIn(items, spead.ItemTimestamp); ok {
		ticks = ts
	}
	var syncTime uint64
	if st, ok := spead.FindIn(items, spead.ItemSyncTime); ok {
		syncTime = st
	}

	globalSample := ticks*globalSampleScale + counter*uint64(m.cfg.SamplesPerPacket)

	m.mu.Lock()
	expectedFPGAs := 2 * m.cfg.NofTiles
	if !m.baseSet {
		if !m.discovering {
			m.discovering = true
			m.discoveryStart = time.Unix(0, arrival)
		}
		if _, seen := m.seenFPGAs[fpgaKey]; !seen {
			m.seenFPGAs[fpgaKey] = globalSample
		}
		elapsed := time.Unix(0, arrival).Sub(m.discoveryStart)
		if len(m.seenFPGAs) >= expectedFPGAs || elapsed >= discoveryWindow {
			base := uint64(0)
			first := true
			for _, v := range m.seenFPGAs {
				if first || v > base {
					base = v
					first = false
				}
			}
			m.baseSample = base
			m.baseSet = true
		}
	}
	baseSet := m.baseSet
	base := m.baseSample
	m.syncTime = int64(syncTime)
	m.mu.Unlock()

	if !baseSet {
		return nil // still in discovery, packet contributes only to base detection
	}
	if globalSample < base {
		return nil // very-late, dropped
	}

	bufferIndex := int((globalSample - base) / uint64(m.cfg.NofSamples))

	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	var target *container.Container
	switch {
	case bufferIndex == current:
		target = m.containers[current%nofAntennaBufferContainers]
	case bufferIndex+1 == current:
		target = m.containers[(current-1+nofAntennaBufferContainers)%nofAntennaBufferContainers]
	case bufferIndex > current:
		m.advanceTo(bufferIndex)
		target = m.containers[bufferIndex%nofAntennaBufferContainers]
	default:
		return nil // too far behind, dropped
	}

	sampleIdx := int((globalSample - base) % uint64(m.cfg.NofSamples))
	bytesPerSample := m.cfg.NofPols * bytesPerRawSample
	off := sampleIdx * bytesPerSample

	payloadOffset := 0
	if poff, ok := spead.FindIn(items, spead.ItemPayloadOffset); ok {
		payloadOffset = int(poff)
	}
	if payloadOffset > len(payload) {
		return fmt.Errorf("antennabuffer: bad payload offset")
	}
	data := payload[payloadOffset:]
	return target.AddData(tile, off, data, float64(arrival)/1e9)
}

func (m *antennaBufferMode) advanceTo(bufferIndex int) {
	m.mu.Lock()
	syncTime := m.syncTime
	for idx := m.current; idx < bufferIndex; idx++ {
		outgoing := m.containers[idx%nofAntennaBufferContainers]
		if outgoing.AnyTouched() {
			m.mu.Unlock()
			outgoing.PersistContainer(syncTime, uint64(idx))
			m.mu.Lock()
		}
	}
	m.current = bufferIndex
	m.mu.Unlock()
}

func (m *antennaBufferMode) OnStreamEnd() {
	m.mu.Lock()
	current := m.current
	syncTime := m.syncTime
	m.mu.Unlock()
	cur := m.containers[current%nofAntennaBufferContainers]
	if cur.AnyTouched() {
		cur.PersistContainer(syncTime, uint64(current))
	}
}

func (m *antennaBufferMode) Cleanup() error {
	for _, c := range m.containers {
		if err := c.Release(); err != nil {
			return err
		}
	}
	return nil
}
