// internal/poller/builder.go
package poller

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	cfg "github.com/tamzrod/devicekit/internal/config"
	"github.com/tamzrod/devicekit/internal/device"
)

// Build constructs a Poller for one configured device.
// The device is not initialized here: the first tick does it, and a failed
// Init is attempted again on the next tick.
func Build(d cfg.DeviceConfig, dev device.Device, clk clock.Clock, logger *zap.SugaredLogger) (*Poller, error) {
	return New(
		Config{
			DeviceID:   d.ID,
			Connection: d.Connection,
			Interval:   time.Duration(d.Poll.IntervalMs) * time.Millisecond,
		},
		dev,
		clk,
		logger,
	)
}
