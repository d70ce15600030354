package consumer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tpmdaq/ingest/internal/rollover"
	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// continuousChannelConfig is the JSON configuration for continuous channel
// mode (spec.md §4.F "Continuous channel (0x5/0x7)", §6 keys table).
type continuousChannelConfig struct {
	NofTiles        int     `json:"nof_tiles"`
	NofAntennas     int     `json:"nof_antennas"`
	NofPols         int     `json:"nof_pols"`
	NofChannels     int     `json:"nof_channels"`
	NofSamples      int     `json:"nof_samples"`
	NofBufferSkips  int     `json:"nof_buffer_skips"`
	StartTime       float64 `json:"start_time"`
	Bitwidth        int     `json:"bitwidth"`
	// SamplingTimeSeconds is not in spec.md's key table (observation
	// parameters like sampling rate are described there as "not wire
	// fields"); it is required to evaluate the epoch-boundary rule and
	// is accepted here as a configuration input rather than derived.
	SamplingTimeSeconds float64 `json:"sampling_time_seconds"`
}

const nofContinuousContainers = 4
const continuousCounterWidth = 24

type continuousChannelMode struct {
	cfg continuousChannelConfig

	// ringIdx cycles through the fixed pool of containers every epoch,
	// independently of skipCounter. skipCounter implements
	// nof_buffer_skips: only the epoch where it wraps back to zero is
	// actually persisted; the rest are discarded (spec.md §4.F
	// "optional nof_buffer_skips (only every k-th epoch is kept)").
	containers  [nofContinuousContainers]*container.Container
	ringIdx     int
	skipCounter int

	rc *rollover.Counter

	mu             sync.Mutex
	referenceTime  float64
	packetsInEpoch int
	syncTime       int64
	epochSeq       uint64
	callback       DynamicCallback
}

func bytesPerSampleForBitwidth(bitwidth int) int {
	if bitwidth == 32 {
		return 4
	}
	return 2
}

// NewContinuousChannel constructs the continuous-channel mode's Factory.
func NewContinuousChannel(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "nof_tiles", "nof_antennas", "nof_pols", "nof_channels", "nof_samples"); err != nil {
		return nil, err
	}
	var c continuousChannelConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("continuouschannel: %w", err)
	}
	bytesPerSample := bytesPerSampleForBitwidth(c.Bitwidth)
	bytesPerTile := c.NofChannels * c.NofSamples * c.NofAntennas * c.NofPols * bytesPerSample

	m := &continuousChannelMode{cfg: c, rc: rollover.New(continuousCounterWidth), referenceTime: c.StartTime}
	for i := range m.containers {
		cont, err := container.New(container.LayoutTileChannelSampleAntennaPol, c.NofTiles, bytesPerTile)
		if err != nil {
			return nil, fmt.Errorf("continuouschannel: container %d: %w", i, err)
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

func (m *continuousChannelMode) SetCallback(cb DynamicCallback) { m.callback = cb }

func (m *continuousChannelMode) Filter(items []spead.Item) bool {
	mode, ok := spead.FindIn(items, spead.ItemCaptureMode)
	return ok && (mode == spead.ModeContinuousChannelA || mode == spead.ModeContinuousChannelB)
}

// ProcessOne implements Mode (spec.md §4.F "Continuous channel").
func (m *continuousChannelMode) ProcessOne(items []spead.Item, payload []byte, _ int64) error {
	tileRaw, ok := spead.FindIn(items, spead.ItemTileInfo)
	if !ok {
		return fmt.Errorf("continuouschannel: missing tile info")
	}
	_, tile, pol := tileInfo(tileRaw)

	heapRaw, ok := spead.FindIn(items, spead.ItemHeapCounter)
	if !ok {
		return fmt.Errorf("continuouschannel: missing heap counter")
	}
	rawCounter, _ := heapCounter(heapRaw)

	var syncTime uint64
	if st, ok := spead.FindIn(items, spead.ItemSyncTime); ok {
		syncTime = st
	}
	var ticks uint64
	if ts, ok := spead.FindIn(items, spead.ItemTimestamp); ok {
		ticks = ts
	}
	packetTime := packetTimestamp(syncTime, ticks, defaultTimestampScale)

	if m.cfg.StartTime > 0 && packetTime < m.cfg.StartTime {
		return nil // suppressed: configured start_time not yet reached
	}

	isReferenceSource := tile == 0 && pol == 0

	m.mu.Lock()
	defer m.mu.Unlock()

	// Packet-counter rollovers tracked from tile 0 / pol 0 only, per
	// spec.md §4.F; other sources' counters are used as received, with no
	// rollover term added.
	var logicalCounter uint64
	if isReferenceSource {
		logicalCounter = m.rc.Reconstruct(rawCounter & ((1 << continuousCounterWidth) - 1))
	} else {
		logicalCounter = rawCounter
	}

	m.syncTime = int64(syncTime)

	epochWindow := float64(m.cfg.NofSamples) * m.cfg.SamplingTimeSeconds
	skip := m.cfg.NofBufferSkips
	if skip < 1 {
		skip = 1
	}

	newEpoch := isReferenceSource &&
		logicalCounter%(1<<continuousCounterWidth) == 0 &&
		packetTime >= m.referenceTime+epochWindow &&
		m.packetsInEpoch >= 2*m.cfg.NofTiles

	if newEpoch {
		// skipCounter gates whether the outgoing container is actually
		// persisted (nof_buffer_skips keeps only every k-th epoch);
		// ringIdx cycles through the fixed container pool on every
		// epoch regardless of skip state. epochSeq counts epoch
		// boundaries (not ring slots), so a downstream consumer sees
		// consecutive numbers even though the same ringIdx recurs
		// every nofContinuousContainers epochs.
		m.skipCounter = (m.skipCounter + 1) % skip
		m.epochSeq++
		outgoing := m.containers[m.ringIdx]
		if outgoing.AnyTouched() {
			if m.skipCounter == 0 {
				outgoing.PersistContainer(m.syncTime, m.epochSeq)
			} else {
				outgoing.Clear()
			}
		}
		m.ringIdx = (m.ringIdx + 1) % nofContinuousContainers
		m.referenceTime += epochWindow
		m.packetsInEpoch = 0
	}

	target := m.containers[m.ringIdx]
	if packetTime < m.referenceTime {
		prevIdx := (m.ringIdx - 1 + nofContinuousContainers) % nofContinuousContainers
		target = m.containers[prevIdx]
	} else {
		m.packetsInEpoch++
	}

	bytesPerSample := bytesPerSampleForBitwidth(m.cfg.Bitwidth)
	payloadOffset := 0
	if off, ok := spead.FindIn(items, spead.ItemPayloadOffset); ok {
		payloadOffset = int(off)
	}
	if payloadOffset > len(payload) {
		return fmt.Errorf("continuouschannel: bad payload offset")
	}
	data := payload[payloadOffset:]
	sampleIdx := int(logicalCounter) % m.cfg.NofSamples
	off := sampleIdx * m.cfg.NofAntennas * m.cfg.NofPols * bytesPerSample

	return target.AddData(tile, off, data, packetTime)
}

// OnStreamEnd flushes whichever container is currently active.
func (m *continuousChannelMode) OnStreamEnd() {
	m.mu.Lock()
	syncTime := m.syncTime
	cur := m.containers[m.ringIdx]
	if !cur.AnyTouched() {
		m.mu.Unlock()
		return
	}
	m.epochSeq++
	seq := m.epochSeq
	m.mu.Unlock()
	cur.PersistContainer(syncTime, seq)
}

func (m *continuousChannelMode) Cleanup() error {
	for _, c := range m.containers {
		if err := c.Release(); err != nil {
			return err
		}
	}
	return nil
}
