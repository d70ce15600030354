// Package config implements the three configuration layers spec.md and
// SPEC_FULL.md §1.3 call for: per-consumer JSON, station/receiver bootstrap
// INI, and daemon-level deployment YAML.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/tpmdaq/ingest/pkg/consumer"
)

// ValidateKeys re-exposes consumer.RequiredKeys at the config layer
// (SPEC_FULL.md §5 Open Question 3: disjunctive, independent-per-key
// validation). Callers loading a consumer's JSON from a daemon config file
// validate it here, before ever constructing the Mode, so a typo'd key
// name is reported with every other missing key in one FAILURE rather than
// one at a time across repeated attempts.
func ValidateKeys(raw json.RawMessage, required ...string) error {
	decoded := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("config: invalid consumer config json: %w", err)
	}
	return consumer.RequiredKeys(decoded, required...)
}
