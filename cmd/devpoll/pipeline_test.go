// cmd/devpoll/pipeline_test.go
package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/device"
	"github.com/tamzrod/devicekit/internal/poller"
	"github.com/tamzrod/devicekit/internal/status"
)

type fakeWriter struct{ writes int }

func (f *fakeWriter) Write(_ context.Context, res poller.PollResult) error {
	if res.Err == nil {
		f.writes++
	}
	return nil
}

type fakeStatusWriter struct{ snaps []status.Snapshot }

func (f *fakeStatusWriter) WriteStatus(s status.Snapshot) error {
	f.snaps = append(f.snaps, s)
	return nil
}

type fakeSink struct{ n int }

func (f *fakeSink) Write(poller.PollResult) { f.n++ }

func newPipeline() (*pipeline, *fakeWriter, *fakeStatusWriter) {
	w := &fakeWriter{}
	sw := &fakeStatusWriter{}
	return &pipeline{
		id:      "d1",
		logger:  zap.NewNop().Sugar(),
		data:    w,
		status:  sw,
		tracker: status.NewTracker(0),
	}, w, sw
}

func TestPipeline_StatusFollowsPolls(t *testing.T) {
	p, w, sw := newPipeline()
	sink := &fakeSink{}
	p.sink = sink
	ctx := context.Background()
	now := time.Unix(1000, 0)

	p.start()
	if len(sw.snaps) != 1 || sw.snaps[0].Health != status.HealthUnknown {
		t.Fatalf("start snaps = %+v", sw.snaps)
	}

	p.deliver(ctx, poller.PollResult{DeviceID: "d1", At: now, Readings: map[string]float64{"x": 1}})
	if w.writes != 1 || sink.n != 1 {
		t.Fatalf("writes=%d sink=%d", w.writes, sink.n)
	}
	if got := sw.snaps[len(sw.snaps)-1]; got.Health != status.HealthOK {
		t.Fatalf("after ok = %+v", got)
	}

	failure := &device.Error{Kind: device.TransportTimeout, Op: "update"}
	p.deliver(ctx, poller.PollResult{DeviceID: "d1", At: now, Err: failure})
	got := sw.snaps[len(sw.snaps)-1]
	if got.Health != status.HealthError || got.LastErrorCode != uint16(device.TransportTimeout) {
		t.Fatalf("after error = %+v", got)
	}

	n := len(sw.snaps)
	p.tick(now.Add(time.Second))
	p.tick(now.Add(2 * time.Second))
	if len(sw.snaps) != n+2 || sw.snaps[len(sw.snaps)-1].SecondsInError != 2 {
		t.Fatalf("ticks = %+v", sw.snaps[n:])
	}

	// unchanged error: no status write
	n = len(sw.snaps)
	p.deliver(ctx, poller.PollResult{DeviceID: "d1", At: now, Err: failure})
	if len(sw.snaps) != n {
		t.Fatalf("repeated error rewrote status")
	}

	p.stop()
	if got := sw.snaps[len(sw.snaps)-1]; got.Health != status.HealthDisabled {
		t.Fatalf("after stop = %+v", got)
	}
}

func TestPipeline_WithoutStatus(t *testing.T) {
	p, w, _ := newPipeline()
	p.status = nil

	p.start()
	p.deliver(context.Background(), poller.PollResult{DeviceID: "d1", Err: errors.New("boom")})
	p.tick(time.Now())
	p.stop()

	if w.writes != 0 {
		t.Fatalf("failed poll was written")
	}
}
