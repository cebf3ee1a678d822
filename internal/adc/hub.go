// internal/adc/hub.go
package adc

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/host/v3"

	"github.com/tamzrod/devicekit/internal/transport"
)

const (
	defaultBits      = 12
	defaultFullScale = 4095
	defaultBaud      = 9600
	defaultTimeout   = time.Second
)

// Hub opens channels and shares the buses behind them.
type Hub struct {
	logger *zap.SugaredLogger

	hostOnce sync.Once
	hostErr  error
	// initHost loads periph host drivers before the first sysfs access.
	initHost func() error

	mu    sync.Mutex
	buses map[string]*modbusBus
	sims  map[string]*Sim
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		logger: logger.Named("adc"),
		initHost: func() error {
			_, err := host.Init()
			return err
		},
		buses: make(map[string]*modbusBus),
		sims:  make(map[string]*Sim),
	}
}

// Sim returns the simulated bank name, creating it on first use.
func (h *Hub) Sim(name string) *Sim {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sims[name]
	if !ok {
		s = NewSim()
		h.sims[name] = s
	}
	return s
}

// OpenChannel resolves connection and binds channel on it.
func (h *Hub) OpenChannel(ctx context.Context, connection string, channel int) (Channel, error) {
	if channel < 0 {
		return nil, errors.Wrapf(transport.ErrUnavailable, "channel %d", channel)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scheme, rest, ok := strings.Cut(connection, ":")
	if !ok {
		return nil, errors.Wrapf(transport.ErrUnavailable, "connection %q has no scheme", connection)
	}

	switch scheme {
	case "sim":
		return simChannel{sim: h.Sim(rest), channel: channel}, nil
	case "iio":
		return h.openIIO(rest, channel)
	case "modbus+tcp", "modbus+rtu":
		return h.openModbus(connection, channel)
	default:
		return nil, errors.Wrapf(transport.ErrUnavailable, "unknown adc scheme %q", scheme)
	}
}

func (h *Hub) openIIO(rest string, channel int) (Channel, error) {
	h.hostOnce.Do(func() { h.hostErr = h.initHost() })
	if h.hostErr != nil {
		return nil, errors.Wrap(h.hostErr, "periph host init")
	}

	dir, query, _ := strings.Cut(rest, "?")
	q, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.Wrap(err, "iio query")
	}
	bits, err := intParam(q, "bits", defaultBits)
	if err != nil {
		return nil, err
	}
	c, err := openIIO(dir, channel, bits)
	if err != nil {
		return nil, err
	}
	h.logger.Debugw("iio channel", "channel", c.String())
	return c, nil
}

func (h *Hub) openModbus(connection string, channel int) (Channel, error) {
	if channel > 0xFFFF {
		return nil, errors.Wrapf(transport.ErrUnavailable, "register %d", channel)
	}
	u, err := url.Parse(connection)
	if err != nil {
		return nil, errors.Wrap(err, "modbus connection")
	}

	h.mu.Lock()
	bus, ok := h.buses[connection]
	if !ok {
		s, err := modbusParams(u.Query())
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		if u.Scheme == "modbus+tcp" {
			bus = newTCPBus(u.Host, s)
		} else {
			bus = newRTUBus(u.Path, s)
		}
		h.buses[connection] = bus
	}
	h.mu.Unlock()

	if err := bus.connect(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", connection)
	}
	return &modbusChannel{bus: bus, reg: uint16(channel)}, nil
}

// Close releases every bus still connected.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for conn, b := range h.buses {
		b.mu.Lock()
		if b.refs > 0 {
			b.refs = 0
			err = multierr.Append(err, errors.Wrap(b.handler.Close(), conn))
		}
		b.mu.Unlock()
		delete(h.buses, conn)
	}
	return err
}

func modbusParams(q url.Values) (modbusSettings, error) {
	s := modbusSettings{fullScale: defaultFullScale, timeout: defaultTimeout}
	unit, err := intParam(q, "unit", 1)
	if err != nil {
		return s, err
	}
	if unit < 0 || unit > 247 {
		return s, errors.Errorf("unit %d out of range", unit)
	}
	s.unit = byte(unit)
	if s.baud, err = intParam(q, "baud", defaultBaud); err != nil {
		return s, err
	}
	if v := q.Get("full_scale"); v != "" {
		if s.fullScale, err = strconv.ParseFloat(v, 64); err != nil || s.fullScale <= 0 {
			return s, errors.Errorf("full_scale %q invalid", v)
		}
	}
	if v := q.Get("timeout"); v != "" {
		if s.timeout, err = time.ParseDuration(v); err != nil {
			return s, errors.Wrap(err, "timeout")
		}
	}
	return s, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", name)
	}
	return n, nil
}
