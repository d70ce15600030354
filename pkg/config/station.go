package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// StationConfig is the receiver bootstrap configuration: the network
// interface/ports to bind and the ring/container sizing defaults every
// consumer falls back to absent an explicit override (SPEC_FULL.md §1.3,
// grounded on the teacher's EDS-via-ini loader, pkg/od/parser.go).
type StationConfig struct {
	Interface    string
	Ports        []int
	RingCapacity int
	RingSlotSize int
	NofTiles     int
	NofAntennas  int
	NofPols      int
}

// LoadStation reads a station bootstrap file in the same section/key INI
// shape the teacher's EDS parser reads object dictionary sections from
// (one "[station]" section, flat key=value pairs read with
// Section.Key(name)).
func LoadStation(path string) (*StationConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading station file %s: %w", path, err)
	}

	section, err := f.GetSection("station")
	if err != nil {
		return nil, fmt.Errorf("config: station file %s missing [station] section: %w", path, err)
	}

	cfg := &StationConfig{
		Interface:    section.Key("interface").MustString("eth0"),
		RingCapacity: section.Key("ring_capacity").MustInt(1024),
		RingSlotSize: section.Key("ring_slot_size").MustInt(9000),
		NofTiles:     section.Key("nof_tiles").MustInt(1),
		NofAntennas:  section.Key("nof_antennas").MustInt(16),
		NofPols:      section.Key("nof_pols").MustInt(2),
	}
	cfg.Ports = section.Key("ports").Ints(",")
	if len(cfg.Ports) == 0 {
		return nil, fmt.Errorf("config: station file %s: no ports configured", path)
	}
	return cfg, nil
}
