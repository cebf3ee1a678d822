// internal/mesh/hub.go
package mesh

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goburrow/serial"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/transport"
)

// SimPrefix selects a simulated network instead of a serial device.
const SimPrefix = "sim:"

// SerialSettings configures the controller's serial port.
type SerialSettings struct {
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`
	// ReadTimeout bounds a single read so the reader notices Close.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// DefaultSerialSettings matches common USB mesh sticks.
func DefaultSerialSettings() SerialSettings {
	return SerialSettings{
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      "N",
		ReadTimeout: 500 * time.Millisecond,
	}
}

// DecodeSerialSettings overlays raw (typically a YAML map) on the defaults.
func DecodeSerialSettings(raw map[string]any) (SerialSettings, error) {
	s := DefaultSerialSettings()
	if len(raw) == 0 {
		return s, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return s, err
	}
	if err := dec.Decode(raw); err != nil {
		return s, errors.Wrap(err, "serial settings")
	}
	return s, nil
}

// PortFunc opens the byte stream of a simulated network.
type PortFunc func(name string) (io.ReadWriteCloser, error)

// Hub shares one Controller per connection string between every handle
// that dials it.
type Hub struct {
	logger   *zap.SugaredLogger
	settings SerialSettings

	mu    sync.Mutex
	ctrls map[string]*Controller
	sims  map[string]PortFunc
	// fallback for sim: names nobody attached
	simulate PortFunc
}

func NewHub(settings SerialSettings, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		logger:   logger.Named("mesh"),
		settings: settings,
		ctrls:    make(map[string]*Controller),
		sims:     make(map[string]PortFunc),
	}
}

// Attach makes "sim:<name>" resolve to open.
func (h *Hub) Attach(name string, open PortFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sims[name] = open
}

// SimulateUnknown resolves sim: names that were never attached.
func (h *Hub) SimulateUnknown(open PortFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.simulate = open
}

// Dial returns the controller for connection, opening it on first use.
func (h *Hub) Dial(ctx context.Context, connection string) (transport.Opener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.ctrls[connection]; ok {
		if c.Err() == nil {
			return c, nil
		}
		// reader died; reopen
		_ = c.Close()
		delete(h.ctrls, connection)
	}
	if err := ctx.Err(); err != nil {
		return nil, ctxErr(ctx)
	}

	rw, err := h.open(connection)
	if err != nil {
		return nil, err
	}
	c := NewController(rw, h.logger.With("connection", connection))
	h.ctrls[connection] = c
	h.logger.Infow("controller opened", "connection", connection)
	return c, nil
}

func (h *Hub) open(connection string) (io.ReadWriteCloser, error) {
	if name, ok := strings.CutPrefix(connection, SimPrefix); ok {
		open := h.sims[name]
		if open == nil {
			open = h.simulate
		}
		if open == nil {
			return nil, errors.Wrapf(transport.ErrUnavailable, "no simulated network %q", name)
		}
		return open(name)
	}
	if connection == "" {
		return nil, errors.Wrap(transport.ErrUnavailable, "empty connection")
	}

	p, err := serial.Open(&serial.Config{
		Address:  connection,
		BaudRate: h.settings.BaudRate,
		DataBits: h.settings.DataBits,
		StopBits: h.settings.StopBits,
		Parity:   h.settings.Parity,
		Timeout:  h.settings.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", connection)
	}
	return p, nil
}

// Close shuts every controller.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for conn, c := range h.ctrls {
		err = multierr.Append(err, errors.Wrap(c.Close(), conn))
		delete(h.ctrls, conn)
	}
	return err
}
