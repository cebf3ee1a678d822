// internal/adc/iio.go
package adc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/physic"
)

// iioChannel reads a Linux Industrial I/O voltage channel from sysfs.
type iioChannel struct {
	dir     string
	channel int
	max     int32
	// millivolts per LSB; 0 when the device publishes no scale
	scale float64
}

func openIIO(dir string, channel, bits int) (*iioChannel, error) {
	if bits < 1 || bits > 31 {
		return nil, errors.Errorf("iio: resolution %d bits out of range", bits)
	}
	c := &iioChannel{dir: dir, channel: channel, max: int32(1)<<bits - 1}
	if _, err := os.Stat(c.rawPath()); err != nil {
		return nil, errors.Wrap(err, "iio")
	}
	for _, name := range []string{fmt.Sprintf("in_voltage%d_scale", channel), "in_voltage_scale"} {
		if s, err := readValue(filepath.Join(dir, name)); err == nil {
			c.scale = s
			break
		}
	}
	return c, nil
}

func (c *iioChannel) rawPath() string {
	return filepath.Join(c.dir, fmt.Sprintf("in_voltage%d_raw", c.channel))
}

// Sample reads one conversion.
func (c *iioChannel) Sample() (analog.Sample, error) {
	raw, err := readValue(c.rawPath())
	if err != nil {
		return analog.Sample{}, errors.Wrap(err, "iio")
	}
	s := analog.Sample{Raw: int32(raw)}
	s.V = physic.ElectricPotential(raw * c.scale * float64(physic.MilliVolt))
	return s, nil
}

// Range is the converter span as reported to periph consumers.
func (c *iioChannel) Range() (analog.Sample, analog.Sample) {
	hi := analog.Sample{Raw: c.max}
	hi.V = physic.ElectricPotential(float64(c.max) * c.scale * float64(physic.MilliVolt))
	return analog.Sample{}, hi
}

func (c *iioChannel) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, err := c.Sample()
	if err != nil {
		return 0, err
	}
	lo, hi := c.Range()
	return normalize(float64(s.Raw), float64(lo.Raw), float64(hi.Raw))
}

func (c *iioChannel) Close() error { return nil }

func (c *iioChannel) String() string { return fmt.Sprintf("iio:%s#%d", c.dir, c.channel) }

func readValue(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
}
