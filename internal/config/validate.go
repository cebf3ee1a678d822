// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/tamzrod/devicekit/internal/status"
)

// RegistersPerReading is the register span of one published reading
// (IEEE-754 float32, two registers).
const RegistersPerReading = 2

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	type span struct {
		start  uint32
		end    uint32
		device string
	}

	dp := cfg.Devpoll

	if dp.Poll.IntervalMs < 0 {
		return fmt.Errorf("poll.interval_ms must not be negative")
	}
	if dp.Influx != nil && (dp.Influx.URL == "" || dp.Influx.Bucket == "") {
		return fmt.Errorf("influx: url and bucket are required")
	}
	if dp.HTTP != nil && dp.HTTP.Listen == "" {
		return fmt.Errorf("http: listen is required")
	}
	if len(dp.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}

	// ------------------------------------------------------------
	// PER-DEVICE SANITY
	// ------------------------------------------------------------

	ids := make(map[string]struct{})

	for _, d := range dp.Devices {
		if d.ID == "" {
			return fmt.Errorf("device with model %q has no id", d.Model)
		}
		if _, dup := ids[d.ID]; dup {
			return fmt.Errorf("device id %q is used more than once", d.ID)
		}
		ids[d.ID] = struct{}{}

		if d.Model == "" {
			return fmt.Errorf("device %q: model is required", d.ID)
		}
		if d.Connection == "" {
			return fmt.Errorf("device %q: connection is required", d.ID)
		}
		if d.TimeoutMs < 0 || d.Poll.IntervalMs < 0 {
			return fmt.Errorf("device %q: timeout_ms and poll.interval_ms must not be negative", d.ID)
		}

		// device_name sanity (ASCII only)
		for i := 0; i < len(d.DeviceName); i++ {
			if d.DeviceName[i] > 0x7F {
				return fmt.Errorf(
					"device %q: device_name must contain ASCII characters only",
					d.ID,
				)
			}
		}

		if len(d.Targets) > 0 && len(d.Publish) == 0 {
			return fmt.Errorf("device %q: targets are set but publish is empty", d.ID)
		}
		seen := make(map[string]struct{})
		for _, name := range d.Publish {
			if _, dup := seen[name]; dup {
				return fmt.Errorf("device %q: reading %q published twice", d.ID, name)
			}
			seen[name] = struct{}{}
		}

		for _, t := range d.Targets {
			if t.Endpoint == "" {
				return fmt.Errorf("device %q: target without endpoint", d.ID)
			}
			switch t.Protocol {
			case "", ProtocolModbus, ProtocolIngest:
			default:
				return fmt.Errorf("device %q: target %s: unknown protocol %q", d.ID, t.Endpoint, t.Protocol)
			}
		}
	}

	// ------------------------------------------------------------
	// DEVICE STATUS BLOCK VALIDATION (OPT-IN)
	// ------------------------------------------------------------

	slotOwner := make(map[uint16]string)

	for _, d := range dp.Devices {
		// status is opt-in
		if d.StatusSlot == nil {
			continue
		}

		if dp.StatusMemory.Endpoint == "" {
			return fmt.Errorf(
				"device %q: status_slot is set but status_memory.endpoint is empty",
				d.ID,
			)
		}

		slot := *d.StatusSlot

		// the whole block must be addressable with 16-bit registers
		last := uint32(slot)*status.SlotsPerDevice + status.SlotsPerDevice - 1
		if last > 0xFFFF {
			return fmt.Errorf(
				"device %q: status_slot=%d overflows the 16-bit address space (last register %d)",
				d.ID,
				slot,
				last,
			)
		}

		if prev, exists := slotOwner[slot]; exists {
			return fmt.Errorf(
				"status_slot collision: slot=%d used by devices %q and %q",
				slot,
				prev,
				d.ID,
			)
		}
		slotOwner[slot] = d.ID
	}

	// ------------------------------------------------------------
	// DESTINATION REGISTER GEOMETRY VALIDATION
	// ------------------------------------------------------------

	// key = protocol | endpoint | unit_id
	spans := make(map[string][]span)

	for _, d := range dp.Devices {
		if len(d.Publish) == 0 {
			continue
		}
		n := uint32(len(d.Publish) * RegistersPerReading)

		for _, t := range d.Targets {
			start := uint32(t.Address)
			end := start + n - 1
			if end > 0xFFFF {
				return fmt.Errorf(
					"device %q: target %s: registers %d-%d exceed the address space",
					d.ID, t.Endpoint, start, end,
				)
			}

			proto := t.Protocol
			if proto == "" {
				proto = ProtocolModbus
			}
			key := fmt.Sprintf("%s|%s|%d", proto, t.Endpoint, t.UnitID)

			for _, s := range spans[key] {
				// overlap check (inclusive)
				if !(end < s.start || start > s.end) {
					return fmt.Errorf(
						"register overlap: endpoint=%s unit_id=%d range=%d-%d overlaps with device=%s range=%d-%d",
						t.Endpoint,
						t.UnitID,
						start,
						end,
						s.device,
						s.start,
						s.end,
					)
				}
			}

			spans[key] = append(spans[key], span{
				start:  start,
				end:    end,
				device: d.ID,
			})
		}
	}

	return nil
}
