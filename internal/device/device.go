// internal/device/device.go

// Package device defines the lifecycle every driver implements and the
// capability interfaces drivers add selectively.
//
// A handle is constructed with a fixed address, optionally configured and
// locked, initialized against a connection, and then polled with Update.
// Accessors only read what the last successful Update cached.
package device

import "context"

// Device is the lifecycle common to all drivers.
type Device interface {
	Name() string
	Model() string
	Address() int
	State() State

	SetOption(name string, value any) error
	LockOptions() error

	// Init binds the transport. It blocks until ready or ctx expires.
	Init(ctx context.Context, connection string) error
	// Update reads the unit and replaces the cached readings.
	Update(ctx context.Context) error
	// Readings is a name -> value view of the cached readings.
	Readings() (map[string]float64, error)

	Close() error
}

// Switch reports on/off state.
type Switch interface {
	IsOn() (bool, error)
}

// Actuatable drivers accept commands. A command never updates the cache;
// call Update to observe its effect.
type Actuatable interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetLevel(ctx context.Context, percent int) error
	Level() (int, error)
}

// PowerMetering drivers report electrical quantities.
type PowerMetering interface {
	Volts() (float64, error)
	Watts() (float64, error)
	// Energy is cumulative consumption in kWh.
	Energy() (float64, error)
	Current() (float64, error)
}

// Calibratable drivers apply an offset to raw readings on the next Update.
type Calibratable interface {
	SetCalibrationOffset(offset float64)
	CalibrationOffset() float64
}

// Probe is a single-scalar analog sensor.
type Probe interface {
	Reading() (float64, error)
	Unit() string
}

type Thermometer interface {
	Temperature() (float64, error)
}

type Hygrometer interface {
	Humidity() (float64, error)
}
