// internal/adc/sim.go
package adc

import (
	"context"
	"sync"
)

// Sim is a bank of scripted channels, addressed as sim:<name>.
type Sim struct {
	mu     sync.Mutex
	values map[int]float64
	fail   map[int]error
}

func NewSim() *Sim {
	return &Sim{values: make(map[int]float64), fail: make(map[int]error)}
}

// Set makes channel read v. A negative v reads as ErrStaleSample.
func (s *Sim) Set(channel int, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[channel] = v
}

// Fail makes every read of channel return err until cleared with nil.
func (s *Sim) Fail(channel int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, channel)
		return
	}
	s.fail[channel] = err
}

func (s *Sim) read(channel int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[channel]; err != nil {
		return 0, err
	}
	v, ok := s.values[channel]
	if !ok || v < 0 {
		return 0, ErrStaleSample
	}
	if v > 1 {
		v = 1
	}
	return v, nil
}

type simChannel struct {
	sim     *Sim
	channel int
}

func (c simChannel) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.sim.read(c.channel)
}

func (c simChannel) Close() error { return nil }
