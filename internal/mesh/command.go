// internal/mesh/command.go
package mesh

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command classes carried in the first payload byte, command in the second.
const (
	ClassNoOp             byte = 0x00
	ClassSwitchMultilevel byte = 0x26
	ClassMeter            byte = 0x32

	CmdSet    byte = 0x01
	CmdGet    byte = 0x02
	CmdReport byte = 0x03
)

// Switch levels. 0 is off, 1..99 dim levels, LevelRestore turns on at the
// last non-zero level.
const (
	LevelOff     byte = 0x00
	LevelMax     byte = 0x63
	LevelRestore byte = 0xFF
)

// MeterScale selects the quantity a meter report carries.
type MeterScale byte

const (
	ScaleKWh   MeterScale = 0
	ScaleWatts MeterScale = 2
	ScaleVolts MeterScale = 4
	ScaleAmps  MeterScale = 5
)

func (s MeterScale) String() string {
	switch s {
	case ScaleKWh:
		return "kWh"
	case ScaleWatts:
		return "W"
	case ScaleVolts:
		return "V"
	case ScaleAmps:
		return "A"
	default:
		return fmt.Sprintf("scale(%d)", byte(s))
	}
}

// ---- requests ----

func NoOp() []byte { return []byte{ClassNoOp} }

func SwitchSet(level byte) []byte { return []byte{ClassSwitchMultilevel, CmdSet, level} }

func SwitchGet() []byte { return []byte{ClassSwitchMultilevel, CmdGet} }

func MeterGet(s MeterScale) []byte { return []byte{ClassMeter, CmdGet, byte(s)} }

// ---- reports ----

// SwitchReport builds a multilevel switch report.
func SwitchReport(level byte) []byte { return []byte{ClassSwitchMultilevel, CmdReport, level} }

// MeterReport encodes value with the given number of decimal places.
//
//	ClassMeter CmdReport scale precision int32(big-endian)
func MeterReport(s MeterScale, value float64, precision uint8) []byte {
	p := []byte{ClassMeter, CmdReport, byte(s), precision, 0, 0, 0, 0}
	scaled := int32(math.Round(value * math.Pow10(int(precision))))
	binary.BigEndian.PutUint32(p[4:], uint32(scaled))
	return p
}

// ParseSwitchReport extracts the level from a switch report payload.
func ParseSwitchReport(p []byte) (byte, error) {
	if len(p) != 3 || p[0] != ClassSwitchMultilevel || p[1] != CmdReport {
		return 0, fmt.Errorf("%w: not a switch report: % x", ErrFrame, p)
	}
	return p[2], nil
}

// ParseMeterReport extracts scale and value from a meter report payload.
func ParseMeterReport(p []byte) (MeterScale, float64, error) {
	if len(p) != 8 || p[0] != ClassMeter || p[1] != CmdReport {
		return 0, 0, fmt.Errorf("%w: not a meter report: % x", ErrFrame, p)
	}
	raw := int32(binary.BigEndian.Uint32(p[4:]))
	return MeterScale(p[2]), float64(raw) / math.Pow10(int(p[3])), nil
}
