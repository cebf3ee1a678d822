// internal/poller/poller_test.go
package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tamzrod/devicekit/internal/device"
)

type fakeDevice struct {
	state     device.State
	initErr   error
	updateErr error
	inits     int
	updates   int
	value     float64
}

func (f *fakeDevice) Name() string { return "fake@1" }
func (f *fakeDevice) Model() string { return "fake" }
func (f *fakeDevice) Address() int { return 1 }
func (f *fakeDevice) State() device.State { return f.state }
func (f *fakeDevice) SetOption(string, any) error { return nil }
func (f *fakeDevice) LockOptions() error { return nil }
func (f *fakeDevice) Close() error { f.state = device.StateClosed; return nil }
func (f *fakeDevice) Init(context.Context, string) error {
	f.inits++
	if f.initErr != nil {
		return f.initErr
	}
	f.state = device.StateInitialized
	return nil
}

func (f *fakeDevice) Update(context.Context) error {
	f.updates++
	if f.updateErr != nil {
		return f.updateErr
	}
	f.value++
	return nil
}

func (f *fakeDevice) Readings() (map[string]float64, error) {
	if f.updates == 0 {
		return nil, device.NotYetUpdated
	}
	return map[string]float64{"value": f.value}, nil
}

func testConfig() Config {
	return Config{DeviceID: "d1", Connection: "sim:x", Interval: time.Second}
}

func TestPollOnce_Success(t *testing.T) {
	dev := &fakeDevice{}
	mock := clock.NewMock()

	p, err := New(testConfig(), dev, mock, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	res := p.PollOnce(context.Background())
	if res.Err != nil {
		t.Fatalf("PollOnce err=%v", res.Err)
	}
	if res.Readings["value"] != 1 {
		t.Fatalf("readings = %v", res.Readings)
	}
	if !res.At.Equal(mock.Now()) {
		t.Fatalf("at = %v", res.At)
	}

	// already initialized: no second Init
	p.PollOnce(context.Background())
	if dev.inits != 1 || dev.updates != 2 {
		t.Fatalf("inits=%d updates=%d", dev.inits, dev.updates)
	}
}

func TestPollOnce_InitRetried(t *testing.T) {
	dev := &fakeDevice{initErr: &device.Error{Kind: device.TransportUnavailable}}

	p, err := New(testConfig(), dev, clock.NewMock(), nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	res := p.PollOnce(context.Background())
	if device.KindOf(res.Err) != device.TransportUnavailable {
		t.Fatalf("expected transport unavailable, got %v", res.Err)
	}
	if res.Readings != nil || dev.updates != 0 {
		t.Fatalf("update ran after failed init")
	}

	dev.initErr = nil
	res = p.PollOnce(context.Background())
	if res.Err != nil || dev.inits != 2 {
		t.Fatalf("err=%v inits=%d", res.Err, dev.inits)
	}
}

func TestPollOnce_UpdateFailure(t *testing.T) {
	dev := &fakeDevice{updateErr: errors.New("boom")}

	p, err := New(testConfig(), dev, clock.NewMock(), nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	res := p.PollOnce(context.Background())
	if res.Err == nil {
		t.Fatalf("expected error, got nil")
	}
	if res.Readings != nil {
		t.Fatalf("partial readings committed: %v", res.Readings)
	}
}

func TestPollOnce_Closed(t *testing.T) {
	dev := &fakeDevice{state: device.StateClosed}

	p, err := New(testConfig(), dev, clock.NewMock(), nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	res := p.PollOnce(context.Background())
	if device.KindOf(res.Err) != device.NotInitialized {
		t.Fatalf("expected not initialized, got %v", res.Err)
	}
	if dev.inits != 0 {
		t.Fatalf("closed device re-initialized")
	}
}

func TestNew_Rejects(t *testing.T) {
	if _, err := New(Config{Interval: time.Second}, &fakeDevice{}, nil, nil); err == nil {
		t.Fatalf("expected error for missing id")
	}
	if _, err := New(Config{DeviceID: "d1"}, &fakeDevice{}, nil, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := New(testConfig(), nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil device")
	}
}

func TestRun_EmitsOnTick(t *testing.T) {
	dev := &fakeDevice{}
	mock := clock.NewMock()

	p, err := New(testConfig(), dev, mock, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan PollResult)
	done := make(chan struct{})
	go func() {
		p.Run(ctx, out)
		close(done)
	}()

	// the ticker may not exist yet; keep advancing until a result shows up
	deadline := time.After(2 * time.Second)
	var res PollResult
wait:
	for {
		select {
		case res = <-out:
			break wait
		case <-deadline:
			t.Fatalf("no poll result")
		case <-time.After(5 * time.Millisecond):
			mock.Add(time.Second)
		}
	}
	if res.Err != nil || res.DeviceID != "d1" {
		t.Fatalf("res = %+v", res)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
