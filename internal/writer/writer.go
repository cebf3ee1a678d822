// internal/writer/writer.go
package writer

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/multierr"

	"github.com/tamzrod/devicekit/internal/poller"
)

// EndpointClient is the exact contract the writers use.
// IMPORTANT: There must be NO other version of this interface anywhere.
type EndpointClient interface {
	WriteRegisters(area byte, unitID uint8, addr uint16, regs []uint16) error
}

// ReadingsClient is implemented by endpoints that store named readings
// instead of a bare register block. regs is EncodeReadings(names, ...).
type ReadingsClient interface {
	WriteReadings(unitID uint8, addr uint16, device string, names []string, regs []uint16) error
}

// ClientKey identifies one endpoint client.
func ClientKey(protocol, endpoint string) string {
	return protocol + "|" + endpoint
}

type registerWriter struct {
	plan    Plan
	clients map[string]EndpointClient
}

// New returns the register writer for one device plan.
func New(plan Plan, clients map[string]EndpointClient) Writer {
	return &registerWriter{
		plan:    plan,
		clients: clients,
	}
}

// Write delivers the readings of a successful poll to every target.
// Failed polls write nothing; status is delivered separately.
func (w *registerWriter) Write(_ context.Context, res poller.PollResult) error {
	if res.Err != nil || len(w.plan.Publish) == 0 {
		return nil
	}

	regs := EncodeReadings(w.plan.Publish, res.Readings)

	var err error
	for _, tgt := range w.plan.Targets {
		cli := w.clients[ClientKey(tgt.Protocol, tgt.Endpoint)]
		if cli == nil {
			err = multierr.Append(err, fmt.Errorf(
				"writer: missing client for %s endpoint %s",
				tgt.Protocol, tgt.Endpoint,
			))
			continue
		}

		var werr error
		if rc, ok := cli.(ReadingsClient); ok {
			werr = rc.WriteReadings(tgt.UnitID, tgt.Address, w.plan.DeviceID, w.plan.Publish, regs)
		} else {
			werr = cli.WriteRegisters(AreaHoldingRegisters, tgt.UnitID, tgt.Address, regs)
		}
		if werr != nil {
			err = multierr.Append(err, fmt.Errorf(
				"writer: device=%s ep=%s unit=%d addr=%d: %w",
				w.plan.DeviceID, tgt.Endpoint, tgt.UnitID, tgt.Address, werr,
			))
		}
	}

	return err
}

// EncodeReadings lays out the named readings as IEEE-754 float32 values,
// two registers each, high word first. A missing reading is written as NaN.
func EncodeReadings(names []string, readings map[string]float64) []uint16 {
	regs := make([]uint16, 0, len(names)*2)
	for _, name := range names {
		v, ok := readings[name]
		if !ok {
			v = math.NaN()
		}
		bits := math.Float32bits(float32(v))
		regs = append(regs, uint16(bits>>16), uint16(bits))
	}
	return regs
}
