// internal/writer/status_writer.go
package writer

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/tamzrod/devicekit/internal/config"
	"github.com/tamzrod/devicekit/internal/status"
)

// StatusWriter is the delivery-only contract for device status.
// It receives a snapshot and writes it verbatim.
// No logic, no interpretation.
type StatusWriter interface {
	WriteStatus(s status.Snapshot) error
}

// deviceStatusWriter is the concrete implementation used by devpoll.
type deviceStatusWriter struct {
	plan *StatusPlan
	cli  EndpointClient

	needFull bool
	last     status.Snapshot
}

// NewDeviceStatusWriter builds a status writer if status is enabled for the device.
// If plan.Status is nil, status is disabled.
func NewDeviceStatusWriter(plan Plan, clients map[string]EndpointClient) (StatusWriter, bool) {
	if plan.Status == nil {
		return nil, false
	}

	sp := plan.Status

	return &deviceStatusWriter{
		plan:     sp,
		cli:      clients[ClientKey(config.ProtocolModbus, sp.Endpoint)],
		needFull: true, // full re-assert on first successful write
		last:     status.Snapshot{Health: status.HealthUnknown},
	}, true
}

// WriteStatus delivers a device status snapshot into status memory.
// On any write failure, the next successful call will re-assert the full block.
func (sw *deviceStatusWriter) WriteStatus(s status.Snapshot) error {
	if sw == nil || sw.plan == nil {
		return errors.New("status writer: disabled")
	}
	if sw.cli == nil {
		return fmt.Errorf("status writer: missing client for endpoint %s", sw.plan.Endpoint)
	}

	baseAddr := sw.baseAddr()
	unitID := sw.plan.UnitID

	// ------------------------------------------------------------
	// Full block write (identity re-assert)
	// ------------------------------------------------------------
	if sw.needFull {
		regs := status.Encode(s, sw.plan.DeviceName)

		if err := sw.cli.WriteRegisters(AreaHoldingRegisters, unitID, baseAddr, regs); err != nil {
			return fmt.Errorf("status writer: full block write failed: %w", err)
		}

		sw.needFull = false
		sw.last = s
		return nil
	}

	var err error

	// Slot 0: health_code
	if sw.last.Health != s.Health {
		if werr := sw.write(baseAddr+status.SlotHealthCode, s.Health); werr != nil {
			err = multierr.Append(err, fmt.Errorf("slot0 health write failed: %w", werr))
		} else {
			sw.last.Health = s.Health
		}
	}

	// Slot 1: last_error_code
	if sw.last.LastErrorCode != s.LastErrorCode {
		if werr := sw.write(baseAddr+status.SlotLastErrorCode, s.LastErrorCode); werr != nil {
			err = multierr.Append(err, fmt.Errorf("slot1 last_error write failed: %w", werr))
		} else {
			sw.last.LastErrorCode = s.LastErrorCode
		}
	}

	// Slot 2: seconds_in_error
	if sw.last.SecondsInError != s.SecondsInError {
		if werr := sw.write(baseAddr+status.SlotSecondsInError, s.SecondsInError); werr != nil {
			err = multierr.Append(err, fmt.Errorf("slot2 seconds write failed: %w", werr))
		} else {
			sw.last.SecondsInError = s.SecondsInError
		}
	}

	if err != nil {
		// Any partial failure introduces doubt: re-assert on next success.
		sw.needFull = true
		return fmt.Errorf("status writer: %w", err)
	}

	return nil
}

func (sw *deviceStatusWriter) write(addr, v uint16) error {
	return sw.cli.WriteRegisters(AreaHoldingRegisters, sw.plan.UnitID, addr, []uint16{v})
}

func (sw *deviceStatusWriter) baseAddr() uint16 {
	// Each device owns a fixed SlotsPerDevice block.
	return sw.plan.BaseSlot * status.SlotsPerDevice
}
