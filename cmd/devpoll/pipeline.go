// cmd/devpoll/pipeline.go
package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/poller"
	"github.com/tamzrod/devicekit/internal/registry"
	"github.com/tamzrod/devicekit/internal/status"
	"github.com/tamzrod/devicekit/internal/writer"
)

// pointSink receives every poll result (InfluxDB).
type pointSink interface {
	Write(res poller.PollResult)
}

// statusView mirrors results and status (HTTP).
type statusView interface {
	Publish(res poller.PollResult, snap status.Snapshot)
	SetStatus(id string, snap status.Snapshot)
}

// pipeline is the runner-owned state of one device: it consumes poll
// results, delivers data, and owns the status snapshot plus its 1 Hz ticker.
type pipeline struct {
	id      string
	entry   *registry.Entry
	logger  *zap.SugaredLogger
	poller  *poller.Poller
	data    writer.Writer
	status  writer.StatusWriter // nil when the device did not opt in
	tracker *status.Tracker
	sink    pointSink  // optional
	view    statusView // optional
}

// start asserts the initial status block (identity re-assert).
func (p *pipeline) start() {
	p.writeStatus(p.tracker.Snapshot(), "start")
}

// deliver handles one poll result.
func (p *pipeline) deliver(ctx context.Context, res poller.PollResult) {
	if res.Err != nil {
		p.logger.Warnw("poll failed", "error", res.Err)
	}

	// --- data delivery ---
	if err := p.data.Write(ctx, res); err != nil {
		p.logger.Warnw("writer error", "error", err)
	}
	if p.sink != nil {
		p.sink.Write(res)
	}

	// --- status update (device-level truth) ---
	snap, changed := p.tracker.Observe(res.Err, res.At)
	if changed {
		p.writeStatus(snap, "poll")
	}
	if p.view != nil {
		p.view.Publish(res, snap)
	}
}

// tick advances seconds_in_error and staleness.
func (p *pipeline) tick(now time.Time) {
	snap, changed := p.tracker.Tick(now)
	if !changed {
		return
	}
	p.writeStatus(snap, "tick")
	if p.view != nil {
		p.view.SetStatus(p.id, snap)
	}
}

// stop marks the device disabled in status memory.
func (p *pipeline) stop() {
	snap := p.tracker.Disable()
	p.writeStatus(snap, "stop")
	if p.view != nil {
		p.view.SetStatus(p.id, snap)
	}
}

func (p *pipeline) writeStatus(snap status.Snapshot, when string) {
	if p.status == nil {
		return
	}
	if err := p.status.WriteStatus(snap); err != nil {
		p.logger.Warnw("status write failed", "when", when, "error", err)
	}
}

// run consumes out until ctx is done.
func (p *pipeline) run(ctx context.Context, clk clock.Clock, out <-chan poller.PollResult) {
	secTicker := clk.Ticker(time.Second)
	defer secTicker.Stop()

	p.start()
	defer p.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-out:
			p.deliver(ctx, res)
		case now := <-secTicker.C:
			p.tick(now)
		}
	}
}
