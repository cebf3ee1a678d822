// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/device"
)

// Config is the minimal runtime config the poller needs.
type Config struct {
	DeviceID   string
	Connection string
	Interval   time.Duration
}

// Poller is a dumb, clock-driven reader of one device.
// Init is retried on every tick until it succeeds; nothing else is retried.
type Poller struct {
	cfg    Config
	dev    device.Device
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// New creates a poller with immutable config.
func New(cfg Config, dev device.Device, clk clock.Clock, logger *zap.SugaredLogger) (*Poller, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("poller: device id required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if dev == nil {
		return nil, errors.New("poller: device required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Poller{cfg: cfg, dev: dev, clock: clk, logger: logger.With("device_id", cfg.DeviceID)}, nil
}

// PollOnce performs exactly one poll cycle.
// All-or-nothing: any failure aborts the cycle.
func (p *Poller) PollOnce(ctx context.Context) PollResult {
	res := PollResult{
		DeviceID: p.cfg.DeviceID,
		Model:    p.dev.Model(),
		At:       p.clock.Now(),
	}

	switch p.dev.State() {
	case device.StateCreated, device.StateOptionsLocked:
		if err := p.dev.Init(ctx, p.cfg.Connection); err != nil {
			res.Err = err
			return res
		}
		p.logger.Infow("device initialized", "connection", p.cfg.Connection)
	case device.StateClosed:
		res.Err = &device.Error{Kind: device.NotInitialized, Op: "poll", Device: p.dev.Name()}
		return res
	}

	if err := p.dev.Update(ctx); err != nil {
		res.Err = err
		return res
	}

	readings, err := p.dev.Readings()
	if err != nil {
		res.Err = err
		return res
	}

	// Commit only if every step succeeded
	res.Readings = readings
	return res
}
