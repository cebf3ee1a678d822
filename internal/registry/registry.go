// internal/registry/registry.go

// Package registry turns device configs into constructed, configured and
// locked handles, and owns the shared transports behind them.
package registry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/adc"
	cfg "github.com/tamzrod/devicekit/internal/config"
	"github.com/tamzrod/devicekit/internal/device"
	"github.com/tamzrod/devicekit/internal/drivers/dht"
	"github.com/tamzrod/devicekit/internal/drivers/meshswitch"
	"github.com/tamzrod/devicekit/internal/drivers/probe"
	"github.com/tamzrod/devicekit/internal/mesh"
	"github.com/tamzrod/devicekit/internal/mesh/sim"
	"github.com/tamzrod/devicekit/internal/transport"
)

// Deps are the collaborators a constructor may draw on. Only the ones the
// model needs are consulted.
type Deps struct {
	Env  device.Env
	Aref float64
	Mesh transport.Dialer
	ADC  probe.ChannelOpener
	DHT  dht.Backend
}

// Constructor builds an unconfigured handle for model at address.
type Constructor func(model string, address int, deps Deps) (device.Device, error)

// Entry is one built device.
type Entry struct {
	ID     uuid.UUID
	Name   string
	Device device.Device
}

// Registry maps model names to constructors.
type Registry struct {
	logger *zap.SugaredLogger
	clock  clock.Clock

	mu       sync.Mutex
	ctors    map[string]Constructor
	entries  []*Entry
	meshHubs map[mesh.SerialSettings]*mesh.Hub
	meshSims map[string]*sim.Network
	adc      *adc.Hub
	dhtHost  *dht.HostBackend
	dhtSims  map[string]*dht.SimBackend
}

// New returns a registry with every built-in model registered.
func New(logger *zap.SugaredLogger, clk clock.Clock) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		logger:   logger,
		clock:    clk,
		ctors:    make(map[string]Constructor),
		meshHubs: make(map[mesh.SerialSettings]*mesh.Hub),
		meshSims: make(map[string]*sim.Network),
		adc:      adc.NewHub(logger),
		dhtHost:  &dht.HostBackend{},
		dhtSims:  make(map[string]*dht.SimBackend),
	}

	r.Register(meshswitch.Model, func(_ string, address int, d Deps) (device.Device, error) {
		return meshswitch.New(address, d.Mesh, d.Env)
	})
	for _, m := range probe.Models() {
		r.Register(m, func(model string, address int, d Deps) (device.Device, error) {
			return probe.New(model, address, d.Aref, d.ADC, d.Env)
		})
	}
	for _, m := range dht.Models() {
		r.Register(m, func(model string, address int, d Deps) (device.Device, error) {
			return dht.New(model, address, d.DHT, d.Env)
		})
	}
	return r
}

// Register adds or replaces the constructor for model.
func (r *Registry) Register(model string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[model] = ctor
}

// Models lists registered model names, sorted.
func (r *Registry) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ctors))
	for m := range r.ctors {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Build constructs the handle for d, applies its options and timeout, locks
// the options and applies the calibration offset. Init is left to the caller.
func (r *Registry) Build(ctx context.Context, d cfg.DeviceConfig) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	ctor, ok := r.ctors[d.Model]
	r.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("device %q: unknown model %q", d.ID, d.Model)
	}

	deps, err := r.deps(d)
	if err != nil {
		return nil, errors.Wrapf(err, "device %q", d.ID)
	}

	dev, err := ctor(d.Model, d.Address, deps)
	if err != nil {
		return nil, err
	}

	if err := configure(dev, d); err != nil {
		return nil, multierr.Append(err, dev.Close())
	}

	e := &Entry{ID: uuid.New(), Name: d.ID, Device: dev}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	r.logger.Infow("device built", "device", d.ID, "model", d.Model, "address", d.Address, "instance", e.ID)
	return e, nil
}

// Open is Build followed by Init on d.Connection. A handle that fails to
// initialize is closed and not kept.
func (r *Registry) Open(ctx context.Context, d cfg.DeviceConfig) (*Entry, error) {
	e, err := r.Build(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := e.Device.Init(ctx, d.Connection); err != nil {
		r.forget(e)
		return nil, multierr.Append(err, e.Device.Close())
	}
	return e, nil
}

func (r *Registry) forget(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.entries {
		if x == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

func configure(dev device.Device, d cfg.DeviceConfig) error {
	names := make([]string, 0, len(d.Options))
	for name := range d.Options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := dev.SetOption(name, d.Options[name]); err != nil {
			return err
		}
	}
	if d.TimeoutMs > 0 {
		if err := dev.SetOption(device.OptTimeout, time.Duration(d.TimeoutMs)*time.Millisecond); err != nil {
			return err
		}
	}
	if err := dev.LockOptions(); err != nil {
		return err
	}

	if d.CalibrationOffset != 0 {
		c, ok := dev.(device.Calibratable)
		if !ok {
			return errors.Errorf("device %q: model %q does not take a calibration offset", d.ID, d.Model)
		}
		c.SetCalibrationOffset(d.CalibrationOffset)
	}
	return nil
}

func (r *Registry) deps(d cfg.DeviceConfig) (Deps, error) {
	deps := Deps{
		Env: device.Env{
			Name:   d.ID,
			Logger: r.logger,
			Clock:  r.clock,
		},
		Aref: d.Aref,
		ADC:  r.adc,
	}

	switch {
	case d.Model == meshswitch.Model:
		settings, err := mesh.DecodeSerialSettings(d.Transport)
		if err != nil {
			return deps, err
		}
		deps.Mesh = r.meshHub(settings)
	case len(d.Transport) > 0:
		return deps, errors.Errorf("model %q takes no transport settings", d.Model)
	}

	if name, ok := strings.CutPrefix(d.Connection, mesh.SimPrefix); ok {
		deps.DHT = r.DHTSim(name)
	} else {
		deps.DHT = r.dhtHost
	}
	return deps, nil
}

// meshHub shares one hub per distinct serial configuration.
func (r *Registry) meshHub(s mesh.SerialSettings) *mesh.Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.meshHubs[s]
	if !ok {
		h = mesh.NewHub(s, r.logger)
		h.SimulateUnknown(func(name string) (io.ReadWriteCloser, error) {
			return r.MeshSim(name).Port(name)
		})
		r.meshHubs[s] = h
	}
	return h
}

// MeshSim returns the simulated mesh network behind "sim:<name>". Nodes join
// on first contact.
func (r *Registry) MeshSim(name string) *sim.Network {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.meshSims[name]
	if !ok {
		n = sim.NewNetwork(sim.AutoJoin(), sim.WithLogger(r.logger.Named("meshsim").With("network", name)))
		r.meshSims[name] = n
	}
	return n
}

// ADCSim returns the simulated analog bank behind "sim:<name>".
func (r *Registry) ADCSim(name string) *adc.Sim { return r.adc.Sim(name) }

// DHTSim returns the simulated sensor pins behind "sim:<name>".
func (r *Registry) DHTSim(name string) *dht.SimBackend {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.dhtSims[name]
	if !ok {
		b = dht.NewSimBackend()
		r.dhtSims[name] = b
	}
	return b
}

// Entries returns every device built so far, in build order.
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Entry(nil), r.entries...)
}

// Close closes every built device, then the shared transports.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for _, e := range r.entries {
		if cerr := e.Device.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", e.Name, cerr))
		}
	}
	r.entries = nil

	for _, h := range r.meshHubs {
		err = multierr.Append(err, h.Close())
	}
	r.meshHubs = make(map[mesh.SerialSettings]*mesh.Hub)

	return multierr.Append(err, r.adc.Close())
}
