// internal/registry/registry_test.go
package registry

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	cfg "github.com/tamzrod/devicekit/internal/config"
	"github.com/tamzrod/devicekit/internal/device"
	"github.com/tamzrod/devicekit/internal/drivers/meshswitch"
	"github.com/tamzrod/devicekit/internal/drivers/probe"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(nil, clock.NewMock())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestModels(t *testing.T) {
	r := newRegistry(t)
	require.Equal(t, []string{
		"aeotec-sdg2", "dfrobot-orp", "dfrobot-ph", "dht11", "dht22", "grove-o2",
	}, r.Models())
}

func TestEveryModelLifecycle(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for _, model := range r.Models() {
		t.Run(model, func(t *testing.T) {
			deps, err := r.deps(cfg.DeviceConfig{ID: model, Model: model, Connection: "sim:all"})
			require.NoError(t, err)
			ctor := r.ctors[model]

			_, err = ctor(model, -1, deps)
			require.ErrorIs(t, err, device.InvalidAddress)

			dev, err := ctor(model, 1, deps)
			require.NoError(t, err)
			defer dev.Close()
			require.Equal(t, device.StateCreated, dev.State())

			_, err = dev.Readings()
			require.ErrorIs(t, err, device.NotYetUpdated)
			err = dev.Update(ctx)
			require.ErrorIs(t, err, device.NotInitialized)

			require.NoError(t, dev.SetOption(device.OptTimeout, "1s"))
			require.NoError(t, dev.LockOptions())
			require.Equal(t, device.StateOptionsLocked, dev.State())

			err = dev.SetOption(device.OptTimeout, "2s")
			require.ErrorIs(t, err, device.OptionsLocked)
			err = dev.LockOptions()
			require.ErrorIs(t, err, device.AlreadyLocked)
		})
	}
}

func TestBuildDimmerOnSimulatedMesh(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	e, err := r.Build(ctx, cfg.DeviceConfig{
		ID:         "dimmer-9",
		Model:      meshswitch.Model,
		Address:    9,
		Connection: "sim:lab",
		TimeoutMs:  2000,
		Options:    map[string]any{"meter_poll": false},
		Transport:  map[string]any{"baud_rate": "57600"},
	})
	require.NoError(t, err)
	require.Equal(t, "dimmer-9", e.Name)
	require.Equal(t, device.StateOptionsLocked, e.Device.State())

	// locked by Build
	err = e.Device.SetOption("meter_poll", true)
	require.ErrorIs(t, err, device.OptionsLocked)

	sw := e.Device.(*meshswitch.Switch)
	require.NoError(t, sw.Init(ctx, "sim:lab"))
	require.NoError(t, sw.SetLevel(ctx, 40))
	require.NoError(t, sw.Update(ctx))

	lv, err := sw.Level()
	require.NoError(t, err)
	require.Equal(t, 40, lv)
	require.Equal(t, byte(40), r.MeshSim("lab").Node(9).Level())

	// meter_poll=false: no meter readings were fetched
	watts, err := sw.Watts()
	require.NoError(t, err)
	require.Equal(t, 0.0, watts)
}

func TestBuildProbeWithCalibration(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	r.ADCSim("bench").Set(0, 0.5)

	e, err := r.Build(ctx, cfg.DeviceConfig{
		ID:                "ph-0",
		Model:             probe.ModelPH,
		Address:           0,
		Aref:              5,
		CalibrationOffset: 0.25,
		Connection:        "sim:bench",
	})
	require.NoError(t, err)

	require.NoError(t, e.Device.Init(ctx, "sim:bench"))
	require.NoError(t, e.Device.Update(ctx))

	readings, err := e.Device.Readings()
	require.NoError(t, err)
	// 0.5 * 1.25 * 14 + 0.25
	require.InDelta(t, 9.0, readings["ph"], 1e-9)
	require.InDelta(t, 2.5, readings["volts"], 1e-9)
}

func TestBuildDHTOnSimulatedPins(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	r.DHTSim("rack").Set("GPIO4", 55, 21.5)

	e, err := r.Build(ctx, cfg.DeviceConfig{ID: "rack-climate", Model: "dht22", Address: 4, Connection: "sim:rack"})
	require.NoError(t, err)
	require.NoError(t, e.Device.Init(ctx, "sim:rack"))
	require.NoError(t, e.Device.Update(ctx))

	readings, err := e.Device.Readings()
	require.NoError(t, err)
	require.InDelta(t, 21.5, readings["temperature"], 1e-9)
	require.InDelta(t, 55.0, readings["humidity"], 1e-9)
}

func TestBuildRejects(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Build(ctx, cfg.DeviceConfig{ID: "x", Model: "nope", Connection: "sim:x"})
	require.Error(t, err)

	_, err = r.Build(ctx, cfg.DeviceConfig{ID: "x", Model: meshswitch.Model, Address: -1, Connection: "sim:x"})
	require.Equal(t, device.InvalidAddress, device.KindOf(err))

	_, err = r.Build(ctx, cfg.DeviceConfig{ID: "x", Model: probe.ModelORP, Connection: "sim:x",
		Options: map[string]any{"bogus": 1}})
	require.Equal(t, device.UnknownOption, device.KindOf(err))

	_, err = r.Build(ctx, cfg.DeviceConfig{ID: "x", Model: probe.ModelORP, Connection: "sim:x",
		Options: map[string]any{"samples": 100}})
	require.Equal(t, device.InvalidOptionValue, device.KindOf(err))

	_, err = r.Build(ctx, cfg.DeviceConfig{ID: "x", Model: meshswitch.Model, Address: 3, Connection: "sim:x",
		CalibrationOffset: 1})
	require.Error(t, err)

	_, err = r.Build(ctx, cfg.DeviceConfig{ID: "x", Model: probe.ModelORP, Connection: "sim:x",
		Transport: map[string]any{"baud_rate": 9600}})
	require.Error(t, err)

	_, err = r.Build(ctx, cfg.DeviceConfig{ID: "x", Model: meshswitch.Model, Address: 3, Connection: "sim:x",
		Transport: map[string]any{"baud": 9600}})
	require.Error(t, err)

	// nothing half-built is kept
	require.Empty(t, r.Entries())
}

func TestTimeoutApplied(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	// node 7 stays silent, so Init runs into the configured timeout
	r.MeshSim("quiet").AddDimmer(7).SetSilent(true)

	e, err := r.Build(ctx, cfg.DeviceConfig{ID: "d", Model: meshswitch.Model, Address: 7,
		Connection: "sim:quiet", TimeoutMs: 100})
	require.NoError(t, err)

	start := time.Now()
	err = e.Device.Init(ctx, "sim:quiet")
	require.Equal(t, device.TransportTimeout, device.KindOf(err))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, device.StateOptionsLocked, e.Device.State())
}

func TestCloseClosesDevices(t *testing.T) {
	r := New(nil, nil)
	ctx := context.Background()

	e, err := r.Build(ctx, cfg.DeviceConfig{ID: "orp", Model: probe.ModelORP, Connection: "sim:x"})
	require.NoError(t, err)
	require.Len(t, r.Entries(), 1)

	require.NoError(t, r.Close())
	require.Equal(t, device.StateClosed, e.Device.State())
}

func TestOpen(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	r.ADCSim("bench").Set(1, 0.2)
	e, err := r.Open(ctx, cfg.DeviceConfig{ID: "o2", Model: probe.ModelO2, Address: 1, Connection: "sim:bench"})
	require.NoError(t, err)
	require.Equal(t, device.StateInitialized, e.Device.State())

	_, err = r.Open(ctx, cfg.DeviceConfig{ID: "gone", Model: probe.ModelO2, Connection: "nope:x"})
	require.Equal(t, device.TransportUnavailable, device.KindOf(err))
	require.Len(t, r.Entries(), 1)
}
