// internal/drivers/dht/backend.go
package dht

import (
	"context"
	"sync"

	godht "github.com/MichaelS11/go-dht"
	"github.com/pkg/errors"

	"github.com/tamzrod/devicekit/internal/transport"
)

// Sensor is one opened single-wire sensor. Temperatures are Celsius.
type Sensor interface {
	ReadRetry(maxRetries int) (humidity float64, temperature float64, err error)
}

// Backend opens sensors on GPIO pins.
type Backend interface {
	Open(ctx context.Context, pin string, sensorType string) (Sensor, error)
}

// HostBackend drives real pins through the periph-based go-dht package.
type HostBackend struct {
	once sync.Once
	err  error
}

func (h *HostBackend) Open(ctx context.Context, pin, sensorType string) (Sensor, error) {
	h.once.Do(func() { h.err = godht.HostInit() })
	if h.err != nil {
		return nil, errors.Wrap(h.err, "dht host init")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := godht.NewDHT(pin, godht.Celsius, sensorType)
	if err != nil {
		// go-dht reports an unknown pin as a plain error
		return nil, errors.Wrapf(transport.ErrUnavailable, "%s: %v", pin, err)
	}
	return s, nil
}

// SimBackend serves scripted values per pin.
type SimBackend struct {
	mu     sync.Mutex
	values map[string][2]float64
	fail   map[string]error
}

func NewSimBackend() *SimBackend {
	return &SimBackend{values: make(map[string][2]float64), fail: make(map[string]error)}
}

// Set scripts humidity (%) and temperature (C) for pin.
func (s *SimBackend) Set(pin string, humidity, celsius float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[pin] = [2]float64{humidity, celsius}
}

// Fail makes reads on pin return err; nil clears it.
func (s *SimBackend) Fail(pin string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, pin)
		return
	}
	s.fail[pin] = err
}

func (s *SimBackend) Open(ctx context.Context, pin, _ string) (Sensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return simSensor{b: s, pin: pin}, nil
}

type simSensor struct {
	b   *SimBackend
	pin string
}

func (s simSensor) ReadRetry(int) (float64, float64, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.fail[s.pin]; err != nil {
		return 0, 0, err
	}
	v, ok := s.b.values[s.pin]
	if !ok {
		return 0, 0, errors.Errorf("%s: no reading", s.pin)
	}
	return v[0], v[1], nil
}
