// internal/adc/adc.go

// Package adc reads analog channels as normalized samples in [0,1].
//
// Connection strings:
//
//	iio:/sys/bus/iio/devices/iio:device0[?bits=12]
//	modbus+tcp://10.0.0.5:502?unit=1&full_scale=4095
//	modbus+rtu:///dev/ttyUSB0?unit=1&baud=9600&full_scale=4095
//	sim:<name>
package adc

import (
	"context"
	"errors"
)

// ErrStaleSample means the converter produced no valid sample.
var ErrStaleSample = errors.New("adc: no valid sample")

// Channel is one analog input.
type Channel interface {
	// Read returns the current sample scaled to [0,1].
	Read(ctx context.Context) (float64, error)
	Close() error
}

func normalize(raw, lo, hi float64) (float64, error) {
	if hi <= lo || raw < lo {
		return 0, ErrStaleSample
	}
	v := (raw - lo) / (hi - lo)
	if v > 1 {
		v = 1
	}
	return v, nil
}
