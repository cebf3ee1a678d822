// internal/drivers/dht/dht.go

// Package dht drives DHT11/DHT22 temperature and humidity sensors on a
// GPIO pin.
package dht

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/tamzrod/devicekit/internal/device"
	"github.com/tamzrod/devicekit/internal/transport"
)

const (
	ModelDHT22 = "dht22"
	ModelDHT11 = "dht11"
)

// Options in addition to device.OptTimeout.
const (
	OptReadAttempts = "read_attempts"
	OptFahrenheit   = "fahrenheit"
)

// MaxPin is the highest GPIO number accepted as an address.
const MaxPin = 63

// Models lists the registered sensor models.
func Models() []string { return []string{ModelDHT22, ModelDHT11} }

// Readings is what one Update commits.
type Readings struct {
	Celsius  float64
	Humidity float64
}

// DHT is a handle to one sensor.
type DHT struct {
	*device.Base
	backend Backend
	cal     *device.Calibration
	cache   device.Cache[Readings]
	sensor  Sensor

	// reading is set while a ReadRetry runs, including one abandoned by an
	// expired context. The pin is not shared with a second reader.
	reading atomic.Bool
}

var (
	_ device.Device       = (*DHT)(nil)
	_ device.Thermometer  = (*DHT)(nil)
	_ device.Hygrometer   = (*DHT)(nil)
	_ device.Calibratable = (*DHT)(nil)
)

// New builds a handle for model on GPIO address.
func New(model string, address int, backend Backend, env device.Env) (*DHT, error) {
	if model != ModelDHT22 && model != ModelDHT11 {
		return nil, errors.Errorf("dht: unknown model %q", model)
	}
	b, err := device.NewBase(model, address, device.AddressRange{Min: 0, Max: MaxPin}, env,
		device.OptionSpec{Name: OptReadAttempts, Type: device.Int, Default: 11, Check: device.IntRange(1, 20)},
		device.OptionSpec{Name: OptFahrenheit, Type: device.Bool, Default: false},
	)
	if err != nil {
		return nil, err
	}
	return &DHT{Base: b, backend: backend, cal: device.NewCalibration(device.Subtract)}, nil
}

func (d *DHT) pin() string { return fmt.Sprintf("GPIO%d", d.Address()) }

func (d *DHT) Init(ctx context.Context, connection string) error {
	return d.Bind(ctx, connection, func(ctx context.Context) (io.Closer, error) {
		s, err := d.backend.Open(ctx, d.pin(), d.Model())
		if err != nil {
			return nil, err
		}
		d.sensor = s
		return closerFunc(func() error {
			d.sensor = nil
			return nil
		}), nil
	})
}

// Update reads the sensor; the calibration offset applies to temperature.
func (d *DHT) Update(ctx context.Context) error {
	return device.Poll(ctx, d.Base, &d.cache, func(ctx context.Context) (Readings, error) {
		apply := d.cal.Snapshot()
		attempts := d.Options().Int(OptReadAttempts)

		type result struct {
			h, t float64
			err  error
		}
		if !d.reading.CompareAndSwap(false, true) {
			return Readings{}, errors.Wrapf(transport.ErrUnavailable, "%s: previous read still in progress", d.pin())
		}
		ch := make(chan result, 1)
		sensor := d.sensor
		go func() {
			defer d.reading.Store(false)
			h, t, err := sensor.ReadRetry(attempts)
			ch <- result{h, t, err}
		}()

		select {
		case r := <-ch:
			if r.err != nil {
				return Readings{}, errors.Wrap(r.err, d.pin())
			}
			return Readings{Celsius: apply(r.t), Humidity: r.h}, nil
		case <-ctx.Done():
			return Readings{}, ctx.Err()
		}
	})
}

func (d *DHT) SetCalibrationOffset(offset float64) { d.cal.SetCalibrationOffset(offset) }

func (d *DHT) CalibrationOffset() float64 { return d.cal.CalibrationOffset() }

// Temperature in Celsius.
func (d *DHT) Temperature() (float64, error) {
	return device.Get(d.Base, &d.cache, "temperature", func(r Readings) float64 { return r.Celsius })
}

func (d *DHT) TemperatureF() (float64, error) {
	return device.Get(d.Base, &d.cache, "temperature", func(r Readings) float64 { return toF(r.Celsius) })
}

// Humidity in percent relative humidity.
func (d *DHT) Humidity() (float64, error) {
	return device.Get(d.Base, &d.cache, "humidity", func(r Readings) float64 { return r.Humidity })
}

// Readings reports "temperature" in the unit selected by OptFahrenheit.
func (d *DHT) Readings() (map[string]float64, error) {
	f := d.Options().Bool(OptFahrenheit)
	return device.Get(d.Base, &d.cache, "readings", func(r Readings) map[string]float64 {
		t := r.Celsius
		if f {
			t = toF(t)
		}
		return map[string]float64{"temperature": t, "humidity": r.Humidity}
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func toF(c float64) float64 { return c*9/5 + 32 }
