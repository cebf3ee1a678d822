// internal/device/calibration.go
package device

import "go.uber.org/atomic"

// Polarity is how an offset combines with a raw reading.
type Polarity int8

const (
	// Subtract caches raw - offset.
	Subtract Polarity = iota
	// Add caches raw + offset.
	Add
)

// Calibration stores an offset that may be changed in any lifecycle state,
// including from another goroutine while an update is in flight. Drivers read
// it once per update so every field of a commit uses the same value.
type Calibration struct {
	offset   atomic.Float64
	polarity Polarity
}

// NewCalibration returns a zero offset with the given polarity.
func NewCalibration(p Polarity) *Calibration {
	return &Calibration{polarity: p}
}

func (c *Calibration) SetCalibrationOffset(offset float64) { c.offset.Store(offset) }

func (c *Calibration) CalibrationOffset() float64 { return c.offset.Load() }

// Polarity reports how Apply combines the offset.
func (c *Calibration) Polarity() Polarity { return c.polarity }

// Snapshot returns a function applying the current offset. Use one snapshot
// per update.
func (c *Calibration) Snapshot() func(raw float64) float64 {
	off := c.offset.Load()
	if c.polarity == Add {
		return func(raw float64) float64 { return raw + off }
	}
	return func(raw float64) float64 { return raw - off }
}
