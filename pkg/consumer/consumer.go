// Package consumer implements the per-mode reassembly state machines
// described in spec.md §4.F: raw, burst channel, continuous channel,
// integrated channel, burst beam, integrated beam, station beam, and
// antenna buffer.
//
// Every mode implements the small Mode capability set — filter, process
// one packet, react to a stream timeout, clean up — and is driven by the
// shared Processor loop in processor.go, the same split the teacher uses
// between a Node's protocol-specific methods and NodeProcessor's generic
// background/main scheduling loop.
package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/container"
)

// Metadata is the per-mode struct passed to a DynamicCallback, exposing the
// packet-counter history, payload length, station/tile/FPGA ids, and
// mode-specific extras spec.md §6 calls for. Modes populate only the
// fields relevant to them.
type Metadata struct {
	Mode            uint64
	Tile            uint32
	Channel         int
	Beam            int
	PacketCount     uint64
	PayloadLength   int
	SyncTimeSeconds int64
	StationID       uint32
	FPGAID          uint32
	Extra           map[string]any
}

// Callback is the simple data-callback signature (spec.md §6).
type Callback func(data []byte, timestampSeconds float64, tile uint32, channel int)

// DynamicCallback is the metadata-carrying data-callback signature
// (spec.md §6).
type DynamicCallback func(data []byte, timestampSeconds float64, meta Metadata)

// Mode is the capability set every consumer mode implements (spec.md §4.F,
// §9 "a finite tagged variant of consumer kinds").
type Mode interface {
	// Filter reports whether a decoded packet belongs to this mode,
	// inspecting the capture-mode item (0x2004) or, for station beam,
	// the presence of 0x1011/0x3010 (spec.md §4.C).
	Filter(items []spead.Item) bool
	// ProcessOne absorbs one packet's items and payload into the mode's
	// reassembly state, arrival being the time the consumer's Processor
	// dequeued the packet from its ring, in nanoseconds since the Unix
	// epoch (the receiver's Datagram.Timestamp is not carried through the
	// ring).
	ProcessOne(items []spead.Item, payload []byte, arrival int64) error
	// OnStreamEnd is invoked when pull_timeout elapses with no packet
	// available; it flushes any partially-filled container.
	OnStreamEnd()
	// Cleanup releases the mode's backing memory. Called once at
	// consumer teardown.
	Cleanup() error
}

// Factory constructs a Mode from its JSON configuration. Registered modes
// are looked up by name in pkg/registry.
type Factory func(cfg json.RawMessage) (Mode, error)

// CallbackSetter is implemented by every concrete mode in this package
// (raw, burst channel, ...), letting pkg/registry install a callback
// without switching on the mode's concrete type. A mode's data path only
// ever invokes DynamicCallback; Registry.SetCallback adapts the simple
// four-argument signature into one that keeps only Metadata's Tile and
// Channel.
type CallbackSetter interface {
	SetCallback(DynamicCallback)
}

// RequiredKeys validates that every key in required is present in raw,
// reporting every missing key together rather than stopping at the first
// (spec.md §9 Open Question 3: "an implementer should validate each key
// independently" — the corrected, disjunctive behaviour, not the source's
// conjunctive bug).
func RequiredKeys(raw map[string]json.RawMessage, required ...string) error {
	var missing []string
	for _, k := range required {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("consumer: missing required config keys: %v", missing)
	}
	return nil
}

// decodeRawConfig is a small helper every mode's Init uses to get at the
// raw key set for RequiredKeys before unmarshalling into its typed config
// struct.
func decodeRawConfig(cfg json.RawMessage) (map[string]json.RawMessage, error) {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(cfg, &raw); err != nil {
		return nil, fmt.Errorf("consumer: invalid config json: %w", err)
	}
	return raw, nil
}

// timestampScale converts ticks since sync (item 0x1600) into seconds. The
// default scale is 1.08us (channel/beam/raw/antenna-buffer, spec.md §6);
// station beam overrides this with its own 1ns/10ns scale.
const defaultTimestampScale = 1.08e-6

// packetTimestamp combines a sync time (item 0x1027, Unix seconds) with a
// tick count (item 0x1600) and scale into a float64 Unix timestamp.
func packetTimestamp(syncTime, ticks uint64, scale float64) float64 {
	return float64(syncTime) + float64(ticks)*scale
}

// tileInfo unpacks item 0x2001 (tile info). The immediate value packs
// station id, tile id, and polarisation/FPGA id as three sub-fields; the
// 24/16/8 split below is a reasonable packing for values that fit a
// 48-bit immediate and is treated as an implementation choice, not a
// wire-verified layout (original_source/ carried nothing to check it
// against for this build).
func tileInfo(raw uint64) (station uint32, tile uint32, pol uint32) {
	station = uint32(raw >> 24)
	tile = uint32((raw >> 8) & 0xFFFF)
	pol = uint32(raw & 0xFF)
	return
}

// antennaInfo unpacks item 0x2000 (raw-antenna info): start antenna and
// antenna count, each a 24-bit sub-field of the immediate value.
func antennaInfo(raw uint64) (startAntenna, count uint32) {
	startAntenna = uint32(raw >> 24)
	count = uint32(raw & 0xFFFFFF)
	return
}

// heapCounter unpacks item 0x0001: a packet counter in the high bits and a
// packet index (sub-heap position) in the low 16 bits.
func heapCounter(raw uint64) (counter uint64, index uint16) {
	return raw >> 16, uint16(raw & 0xFFFF)
}

// beamChannelInfo unpacks item 0x2005: beam id in the high 24 bits,
// channel id in the low 24 bits of the 48-bit immediate, the same
// implementation-choice packing tileInfo and antennaInfo use for their own
// unverified wire layouts.
func beamChannelInfo(raw uint64) (beam uint32, channel uint32) {
	beam = uint32(raw >> 24)
	channel = uint32(raw & 0xFFFFFF)
	return
}

// containerMetadataToDynamic adapts a container.Callback's per-tile
// Metadata into the mode-facing DynamicCallback's Metadata, the
// conversion every container-backed mode needs between the two callback
// shapes. channel carries whatever per-packet logical channel/buffer-slot
// the mode tracks, or -1 when the mode has no such axis.
func containerMetadataToDynamic(cm container.Metadata, channel int) Metadata {
	return Metadata{
		Tile:            uint32(cm.Tile),
		Channel:         channel,
		PacketCount:     cm.PacketCount,
		SyncTimeSeconds: cm.SyncTime,
		Extra:           map[string]any{"seq": cm.Seq},
	}
}
