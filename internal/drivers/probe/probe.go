// internal/drivers/probe/probe.go

// Package probe drives single-channel analog sensors whose reading is a
// linear function of the channel voltage: ORP, pH and dissolved oxygen.
package probe

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/tamzrod/devicekit/internal/adc"
	"github.com/tamzrod/devicekit/internal/device"
)

// Models handled by this package.
const (
	ModelORP = "dfrobot-orp"
	ModelPH  = "dfrobot-ph"
	ModelO2  = "grove-o2"
)

// Options in addition to device.OptTimeout.
const (
	OptAref    = "aref"
	OptScale   = "scale"
	OptSamples = "samples"
)

// MaxChannel is the highest channel index accepted as an address.
const MaxChannel = 255

// DefaultAref is used when a constructor is given no reference voltage.
const DefaultAref = 5.0

const maxAref = 12.0

// ChannelOpener binds an analog channel. *adc.Hub implements it.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, connection string, channel int) (adc.Channel, error)
}

type conversion struct {
	unit     string
	key      string
	polarity device.Polarity
	// convert maps a normalized sample to the uncalibrated reading
	convert func(normalized, aref, scale float64) float64
}

var conversions = map[string]conversion{
	ModelORP: {
		unit: "mV", key: "orp_mv", polarity: device.Subtract,
		convert: func(n, aref, _ float64) float64 {
			volts := n * aref
			return (30*aref*1000 - 75*volts*1000) / 75
		},
	},
	ModelPH: {
		unit: "pH", key: "ph", polarity: device.Add,
		convert: func(n, _, scale float64) float64 { return n * scale * 1.25 * 14 },
	},
	ModelO2: {
		unit: "%", key: "o2_pct", polarity: device.Add,
		convert: func(n, aref, scale float64) float64 { return n * scale * 25 * aref / 3.3 },
	},
}

// Models lists the registered probe models.
func Models() []string { return []string{ModelORP, ModelPH, ModelO2} }

// Readings is what one Update commits.
type Readings struct {
	Value      float64
	Volts      float64
	Normalized float64
}

// Probe is a handle to one analog probe.
type Probe struct {
	*device.Base
	conv   conversion
	cal    *device.Calibration
	opener ChannelOpener
	cache  device.Cache[Readings]
	ch     adc.Channel
}

var (
	_ device.Device       = (*Probe)(nil)
	_ device.Probe        = (*Probe)(nil)
	_ device.Calibratable = (*Probe)(nil)
)

// New builds a handle for model on channel address. aref <= 0 selects
// DefaultAref.
func New(model string, address int, aref float64, opener ChannelOpener, env device.Env) (*Probe, error) {
	conv, ok := conversions[model]
	if !ok {
		return nil, errors.Errorf("probe: unknown model %q", model)
	}
	if aref <= 0 {
		aref = DefaultAref
	}
	if aref > maxAref {
		name := env.Name
		if name == "" {
			name = fmt.Sprintf("%s@%d", model, address)
		}
		return nil, &device.Error{Kind: device.InvalidOptionValue, Op: "construct", Device: name,
			Err: errors.Errorf("aref %.3g outside (0,%g]", aref, maxAref)}
	}

	b, err := device.NewBase(model, address, device.AddressRange{Min: 0, Max: MaxChannel}, env,
		device.OptionSpec{Name: OptAref, Type: device.Float, Default: aref, Check: device.FloatRange(0, maxAref, true)},
		device.OptionSpec{Name: OptScale, Type: device.Float, Default: 1.0, Check: device.FloatRange(0, math.MaxFloat64, true)},
		device.OptionSpec{Name: OptSamples, Type: device.Int, Default: 1, Check: device.IntRange(1, 64)},
	)
	if err != nil {
		return nil, err
	}
	return &Probe{
		Base:   b,
		conv:   conv,
		cal:    device.NewCalibration(conv.polarity),
		opener: opener,
	}, nil
}

// Init binds the analog channel.
func (p *Probe) Init(ctx context.Context, connection string) error {
	return p.Bind(ctx, connection, func(ctx context.Context) (io.Closer, error) {
		ch, err := p.opener.OpenChannel(ctx, connection, p.Address())
		if err != nil {
			return nil, err
		}
		p.ch = ch
		return ch, nil
	})
}

// Update averages the configured number of samples and converts them.
func (p *Probe) Update(ctx context.Context) error {
	return device.Poll(ctx, p.Base, &p.cache, func(ctx context.Context) (Readings, error) {
		apply := p.cal.Snapshot()
		opts := p.Options()
		n := opts.Int(OptSamples)

		sum := 0.0
		for i := 0; i < n; i++ {
			v, err := p.ch.Read(ctx)
			if err != nil {
				return Readings{}, errors.Wrapf(err, "sample %d/%d", i+1, n)
			}
			sum += v
		}
		norm := sum / float64(n)
		aref := opts.Float(OptAref)

		return Readings{
			Value:      apply(p.conv.convert(norm, aref, opts.Float(OptScale))),
			Volts:      norm * aref,
			Normalized: norm,
		}, nil
	})
}

func (p *Probe) SetCalibrationOffset(offset float64) { p.cal.SetCalibrationOffset(offset) }

func (p *Probe) CalibrationOffset() float64 { return p.cal.CalibrationOffset() }

// Reading is the calibrated value in Unit.
func (p *Probe) Reading() (float64, error) {
	return device.Get(p.Base, &p.cache, "reading", func(r Readings) float64 { return r.Value })
}

// Volts is the averaged channel voltage behind the last reading.
func (p *Probe) Volts() (float64, error) {
	return device.Get(p.Base, &p.cache, "volts", func(r Readings) float64 { return r.Volts })
}

func (p *Probe) Unit() string { return p.conv.unit }

func (p *Probe) Readings() (map[string]float64, error) {
	return device.Get(p.Base, &p.cache, "readings", func(r Readings) map[string]float64 {
		return map[string]float64{p.conv.key: r.Value, "volts": r.Volts}
	})
}
