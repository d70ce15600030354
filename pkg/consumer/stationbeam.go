package consumer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tpmdaq/ingest/internal/rollover"
	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/doublebuffer"
)

// stationBeamConfig is the JSON configuration for station-beam mode
// (spec.md §4.F "Station beam (raw)", §6 keys table).
type stationBeamConfig struct {
	StartChannel     int     `json:"start_channel"`
	NofChannels      int     `json:"nof_channels"`
	NofPols          int     `json:"nof_pols"`
	NofSamples       int     `json:"nof_samples"` // samples held per double-buffer epoch
	TransposeSamples bool    `json:"transpose_samples"`
	CaptureStartTime float64 `json:"capture_start_time"`
	MaxPacketSize    int     `json:"max_packet_size"`
}

const stationBeamCounterWidth = 32

// stationBeamMode implements Mode for the station-beam filter (presence of
// item 0x1011, absolute RF frequency): spec.md §4.F "Station beam (raw)".
type stationBeamMode struct {
	cfg stationBeamConfig

	db *doublebuffer.DoubleBuffer
	rc *rollover.Counter

	mu              sync.Mutex
	capturedStarted bool
	callback        DynamicCallback
}

// NewStationBeam constructs the station-beam mode's Factory.
func NewStationBeam(cfg json.RawMessage) (Mode, error) {
	raw, err := decodeRawConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := RequiredKeys(raw, "start_channel", "nof_channels", "nof_pols", "nof_samples", "max_packet_size"); err != nil {
		return nil, err
	}
	var c stationBeamConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("stationbeam: %w", err)
	}
	slotSize := c.NofSamples * c.NofChannels * c.NofPols * bytesPerChannelSample
	db, err := doublebuffer.New(4, slotSize, uint64(c.NofSamples))
	if err != nil {
		return nil, fmt.Errorf("stationbeam: %w", err)
	}
	return &stationBeamMode{cfg: c, db: db, rc: rollover.New(stationBeamCounterWidth)}, nil
}

func (m *stationBeamMode) SetCallback(cb DynamicCallback) { m.callback = cb }

// Filter implements Mode: station beam is identified by the presence of
// item 0x1011 (absolute RF frequency), not by a capture-mode value
// (spec.md §4.C, §4.F).
func (m *stationBeamMode) Filter(items []spead.Item) bool {
	_, ok := spead.FindIn(items, spead.ItemRFFrequency)
	return ok
}

// ProcessOne implements Mode (spec.md §4.F "Station beam (raw)").
func (m *stationBeamMode) ProcessOne(items []spead.Item, payload []byte, _ int64) error {
	tileRaw, ok := spead.FindIn(items, spead.ItemStationBeamTile)
	if !ok {
		return fmt.Errorf("stationbeam: missing station-beam tile info")
	}
	_, tile, channelFromTile := tileInfo(tileRaw)

	infoRaw, ok := spead.FindIn(items, spead.ItemStationBeamInfo)
	if !ok {
		return fmt.Errorf("stationbeam: missing station-beam info")
	}
	logicalChannel := int(infoRaw & 0xFFFF)
	if logicalChannel == 0 {
		logicalChannel = int(channelFromTile)
	}
	if logicalChannel < m.cfg.StartChannel || logicalChannel >= m.cfg.StartChannel+m.cfg.NofChannels {
		return nil // out of the configured channel window, silently dropped
	}

	heapRaw, ok := spead.FindIn(items, spead.ItemHeapCounter)
	if !ok {
		return fmt.Errorf("stationbeam: missing heap counter")
	}
	rawCounter, _ := heapCounter(heapRaw)

	isReferenceSource := tile == 0 && logicalChannel == 0
	var logicalCounter uint64
	if isReferenceSource {
		logicalCounter = m.rc.Reconstruct(rawCounter & ((1 << stationBeamCounterWidth) - 1))
	} else {
		logicalCounter = rawCounter
	}

	scale := 1e-9
	if _, ok := spead.FindIn(items, spead.ItemScanID); ok {
		scale = 10e-9
	}
	var syncTime uint64
	if st, ok := spead.FindIn(items, spead.ItemSyncTime); ok {
		syncTime = st
	}
	var ticks uint64
	if ts, ok := spead.FindIn(items, spead.ItemTimestamp); ok {
		ticks = ts
	}
	packetTime := packetTimestamp(syncTime, ticks, scale)

	payloadOffset := 0
	if off, ok := spead.FindIn(items, spead.ItemPayloadOffset); ok {
		payloadOffset = int(off)
	}
	if payloadOffset > len(payload) {
		return fmt.Errorf("stationbeam: bad payload offset")
	}
	data := payload[payloadOffset:]
	bytesPerTimeSample := m.cfg.NofPols * bytesPerChannelSample
	samplesInPacket := len(data) / bytesPerTimeSample
	if samplesInPacket == 0 {
		return fmt.Errorf("stationbeam: payload too short")
	}

	startSampleInPacket := 0
	m.mu.Lock()
	if !m.capturedStarted && m.cfg.CaptureStartTime > 0 {
		// spec.md §8 property 5: capture_start_time may fall inside
		// this packet's time span; the first written sample is the
		// index within the packet corresponding to that time.
		if m.cfg.CaptureStartTime < packetTime {
			startSampleInPacket = 0
		} else {
			deltaSamples := (m.cfg.CaptureStartTime - packetTime) / scale
			if deltaSamples >= float64(samplesInPacket) {
				m.mu.Unlock()
				return nil // packet ends before capture start: discarded
			}
			startSampleInPacket = int(deltaSamples)
		}
		m.capturedStarted = true
	}
	m.mu.Unlock()

	channelIdx := logicalChannel - m.cfg.StartChannel
	globalSampleStart := logicalCounter*uint64(samplesInPacket) + uint64(startSampleInPacket)

	for s := startSampleInPacket; s < samplesInPacket; s++ {
		sampleSrc := data[s*bytesPerTimeSample : (s+1)*bytesPerTimeSample]
		sampleKey := globalSampleStart + uint64(s-startSampleInPacket)
		var off int
		if m.cfg.TransposeSamples {
			// time-major: the channels of one sample are adjacent,
			// successive samples of one channel are NofChannels apart
			sampleInEpoch := int(sampleKey % uint64(m.cfg.NofSamples))
			off = (sampleInEpoch*m.cfg.NofChannels+channelIdx)*bytesPerTimeSample
		} else {
			sampleInEpoch := int(sampleKey % uint64(m.cfg.NofSamples))
			off = (channelIdx*m.cfg.NofSamples+sampleInEpoch)*bytesPerTimeSample
		}
		if err := m.db.WriteData(sampleKey, off, sampleSrc, packetTime); err != nil {
			return err
		}
	}
	_ = tile
	return nil
}

// OnStreamEnd is a no-op: the dedicated double buffer finalises epochs on
// its own key-crossing rule, not on stream timeout.
func (m *stationBeamMode) OnStreamEnd() {}

func (m *stationBeamMode) Cleanup() error {
	return m.db.Release()
}

// DoubleBuffer exposes the underlying buffer for a persister to drain
// (spec.md §4.H); station beam is the one mode whose persister reads
// directly from a Mode-owned double buffer rather than a container.
func (m *stationBeamMode) DoubleBuffer() *doublebuffer.DoubleBuffer { return m.db }
