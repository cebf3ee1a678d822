// internal/drivers/meshswitch/meshswitch.go

// Package meshswitch drives a metering dimmer on the mesh network
// (Aeotec SDG2 class hardware).
package meshswitch

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/tamzrod/devicekit/internal/device"
	"github.com/tamzrod/devicekit/internal/mesh"
	"github.com/tamzrod/devicekit/internal/transport"
)

// Model is the registry name of this driver.
const Model = "aeotec-sdg2"

// Options in addition to device.OptTimeout.
const (
	OptCommandTimeout = "command_timeout"
	OptMeterPoll      = "meter_poll"
	OptTracePath      = "trace_path"
)

// Readings is what one Update commits.
type Readings struct {
	Level   int // percent, 0..100
	On      bool
	Volts   float64
	Watts   float64
	Energy  float64 // kWh
	Current float64 // A
}

// Switch is a handle to one dimmer node.
type Switch struct {
	*device.Base
	dialer transport.Dialer
	cache  device.Cache[Readings]
	conn   transport.Conn
}

var (
	_ device.Device        = (*Switch)(nil)
	_ device.Switch        = (*Switch)(nil)
	_ device.Actuatable    = (*Switch)(nil)
	_ device.PowerMetering = (*Switch)(nil)
)

// New builds a handle for node address. Nothing is opened until Init.
func New(address int, dialer transport.Dialer, env device.Env) (*Switch, error) {
	b, err := device.NewBase(Model, address, device.AddressRange{Min: mesh.MinNode, Max: mesh.MaxNode}, env,
		device.OptionSpec{Name: OptCommandTimeout, Type: device.Duration, Default: 2 * time.Second, Check: device.PositiveDuration},
		device.OptionSpec{Name: OptMeterPoll, Type: device.Bool, Default: true},
		device.OptionSpec{Name: OptTracePath, Type: device.String, Default: ""},
	)
	if err != nil {
		return nil, err
	}
	return &Switch{Base: b, dialer: dialer}, nil
}

// Init dials the controller and pings the node.
func (s *Switch) Init(ctx context.Context, connection string) error {
	return s.Bind(ctx, connection, func(ctx context.Context) (io.Closer, error) {
		op, err := s.dialer.Dial(ctx, connection)
		if err != nil {
			return nil, err
		}
		conn, err := op.Open(ctx, s.Address())
		if err != nil {
			return nil, err
		}
		if path := s.Options().String(OptTracePath); path != "" {
			tr, err := mesh.NewFileTracer(path, s.Now)
			if err != nil {
				_ = conn.Close()
				return nil, errors.Wrap(err, "trace")
			}
			conn = mesh.Traced(conn, uint8(s.Address()), tr)
		}
		s.conn = conn
		return conn, nil
	})
}

// Update reads level and, when enabled, every meter scale.
func (s *Switch) Update(ctx context.Context) error {
	return device.Poll(ctx, s.Base, &s.cache, func(ctx context.Context) (Readings, error) {
		var r Readings

		raw, err := s.request(ctx, mesh.SwitchGet(), func(p []byte) bool {
			_, err := mesh.ParseSwitchReport(p)
			return err == nil
		})
		if err != nil {
			return r, errors.Wrap(err, "switch get")
		}
		lv, _ := mesh.ParseSwitchReport(raw)
		r.Level = toPercent(lv)
		r.On = lv > 0

		if !s.Options().Bool(OptMeterPoll) {
			return r, nil
		}
		for _, scale := range []mesh.MeterScale{mesh.ScaleKWh, mesh.ScaleWatts, mesh.ScaleVolts, mesh.ScaleAmps} {
			v, err := s.meter(ctx, scale)
			if err != nil {
				return r, errors.Wrapf(err, "meter %s", scale)
			}
			switch scale {
			case mesh.ScaleKWh:
				r.Energy = v
			case mesh.ScaleWatts:
				r.Watts = v
			case mesh.ScaleVolts:
				r.Volts = v
			case mesh.ScaleAmps:
				r.Current = v
			}
		}
		s.Logger().Debugw("update", "level", r.Level, "watts", r.Watts)
		return r, nil
	})
}

func (s *Switch) meter(ctx context.Context, scale mesh.MeterScale) (float64, error) {
	raw, err := s.request(ctx, mesh.MeterGet(scale), func(p []byte) bool {
		got, _, err := mesh.ParseMeterReport(p)
		return err == nil && got == scale
	})
	if err != nil {
		return 0, err
	}
	_, v, err := mesh.ParseMeterReport(raw)
	return v, err
}

// request sends p and waits for the first report match accepts. Reports
// left over from abandoned requests are skipped.
func (s *Switch) request(ctx context.Context, p []byte, match func([]byte) bool) ([]byte, error) {
	if n := transport.Drain(s.conn); n > 0 {
		s.Logger().Debugw("dropped stale reports", "count", n)
	}
	if err := s.conn.WriteFrame(ctx, p); err != nil {
		return nil, err
	}
	for {
		in, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		if match(in) {
			return in, nil
		}
	}
}

func (s *Switch) TurnOn(ctx context.Context) error { return s.set(ctx, "turn on", mesh.LevelRestore) }

func (s *Switch) TurnOff(ctx context.Context) error { return s.set(ctx, "turn off", mesh.LevelOff) }

// SetLevel dims to percent. 100 maps to the node's maximum level.
func (s *Switch) SetLevel(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return s.Fail(device.InvalidLevel, "set level", errors.Errorf("%d outside [0,100]", percent))
	}
	return s.set(ctx, "set level", toLevel(percent))
}

func (s *Switch) set(ctx context.Context, op string, level byte) error {
	timeout := s.Options().Duration(OptCommandTimeout)
	return s.Command(ctx, op, timeout, func(ctx context.Context) error {
		return s.conn.WriteFrame(ctx, mesh.SwitchSet(level))
	})
}

func (s *Switch) IsOn() (bool, error) {
	return device.Get(s.Base, &s.cache, "is on", func(r Readings) bool { return r.On })
}

func (s *Switch) Level() (int, error) {
	return device.Get(s.Base, &s.cache, "level", func(r Readings) int { return r.Level })
}

func (s *Switch) Volts() (float64, error) {
	return device.Get(s.Base, &s.cache, "volts", func(r Readings) float64 { return r.Volts })
}

func (s *Switch) Watts() (float64, error) {
	return device.Get(s.Base, &s.cache, "watts", func(r Readings) float64 { return r.Watts })
}

func (s *Switch) Energy() (float64, error) {
	return device.Get(s.Base, &s.cache, "energy", func(r Readings) float64 { return r.Energy })
}

func (s *Switch) Current() (float64, error) {
	return device.Get(s.Base, &s.cache, "current", func(r Readings) float64 { return r.Current })
}

func (s *Switch) Readings() (map[string]float64, error) {
	return device.Get(s.Base, &s.cache, "readings", func(r Readings) map[string]float64 {
		on := 0.0
		if r.On {
			on = 1
		}
		return map[string]float64{
			"level":      float64(r.Level),
			"on":         on,
			"volts":      r.Volts,
			"watts":      r.Watts,
			"energy_kwh": r.Energy,
			"current":    r.Current,
		}
	})
}

func toLevel(percent int) byte {
	if percent >= int(mesh.LevelMax) {
		return mesh.LevelMax
	}
	return byte(percent)
}

func toPercent(level byte) int {
	if level >= mesh.LevelMax {
		return 100
	}
	return int(level)
}
