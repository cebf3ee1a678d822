// internal/writer/types.go
package writer

import (
	"context"

	"github.com/tamzrod/devicekit/internal/poller"
)

// AreaHoldingRegisters is the only memory area readings and status are written to.
const AreaHoldingRegisters byte = 3

// TargetEndpoint is one destination register block for a device's readings.
type TargetEndpoint struct {
	Protocol string // modbus | ingest
	Endpoint string
	UnitID   uint8
	Address  uint16
}

// StatusPlan locates a device's status block in status memory.
type StatusPlan struct {
	Endpoint   string
	UnitID     uint8
	BaseSlot   uint16
	DeviceName string
}

// Plan is the fully-built write plan for one device.
type Plan struct {
	DeviceID string
	// Publish lists reading names in register order.
	Publish []string
	Targets []TargetEndpoint
	// Status is nil when the device did not opt in.
	Status *StatusPlan
}

// Writer writes poll snapshots into targets.
type Writer interface {
	Write(ctx context.Context, res poller.PollResult) error
}
