// internal/mesh/sim/sim.go

// Package sim is an in-memory mesh network: a controller byte stream with
// dimmer nodes behind it, and fault injection for tests.
package sim

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/mesh"
)

// Dimmer is a simulated metering dimmer node.
type Dimmer struct {
	mu        sync.Mutex
	level     byte
	lastOn    byte
	volts     float64
	fullWatts float64
	energy    float64

	silent  bool
	failN   int
	corrupt int
	delay   time.Duration
}

func newDimmer() *Dimmer {
	return &Dimmer{lastOn: mesh.LevelMax, volts: 230, fullWatts: 60}
}

// Level is the level the node currently holds (0..99).
func (d *Dimmer) Level() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// SetMetering sets supply voltage, draw at full level and the energy counter.
func (d *Dimmer) SetMetering(volts, fullWatts, energyKWh float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volts, d.fullWatts, d.energy = volts, fullWatts, energyKWh
}

// SetSilent makes the node ignore every frame (no ACK, no report).
func (d *Dimmer) SetSilent(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = v
}

// SetReportDelay holds every report for d after the ACK, as a node deep in
// the mesh would.
func (d *Dimmer) SetReportDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// FailNext makes the controller cancel the next n frames to this node.
func (d *Dimmer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN = n
}

// CorruptNext damages the checksum of the next n reports from this node.
func (d *Dimmer) CorruptNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt = n
}

func (d *Dimmer) watts() float64 { return d.fullWatts * float64(d.level) / float64(mesh.LevelMax) }

// handle applies payload and returns the report to send, if any.
func (d *Dimmer) handle(p []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(p) < 2 {
		return nil
	}
	switch {
	case p[0] == mesh.ClassSwitchMultilevel && p[1] == mesh.CmdSet && len(p) == 3:
		switch lv := p[2]; {
		case lv == mesh.LevelRestore:
			d.level = d.lastOn
		case lv <= mesh.LevelMax:
			d.level = lv
			if lv > 0 {
				d.lastOn = lv
			}
		}
		return nil
	case p[0] == mesh.ClassSwitchMultilevel && p[1] == mesh.CmdGet:
		return mesh.SwitchReport(d.level)
	case p[0] == mesh.ClassMeter && p[1] == mesh.CmdGet && len(p) == 3:
		s := mesh.MeterScale(p[2])
		switch s {
		case mesh.ScaleKWh:
			return mesh.MeterReport(s, d.energy, 3)
		case mesh.ScaleWatts:
			return mesh.MeterReport(s, d.watts(), 2)
		case mesh.ScaleVolts:
			return mesh.MeterReport(s, d.volts, 1)
		case mesh.ScaleAmps:
			amps := 0.0
			if d.volts > 0 {
				amps = d.watts() / d.volts
			}
			return mesh.MeterReport(s, amps, 3)
		}
	}
	return nil
}

// Option configures a Network.
type Option func(*Network)

// AutoJoin adds a dimmer for any node id the host addresses.
func AutoJoin() Option { return func(n *Network) { n.autoJoin = true } }

// WithLogger sets the network's logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(n *Network) { n.logger = l } }

// Network is a set of simulated nodes reachable through Port.
type Network struct {
	mu       sync.Mutex
	nodes    map[uint8]*Dimmer
	autoJoin bool
	logger   *zap.SugaredLogger
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{nodes: make(map[uint8]*Dimmer), logger: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(n)
	}
	return n
}

// AddDimmer joins a dimmer at node id.
func (n *Network) AddDimmer(id uint8) *Dimmer {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := newDimmer()
	n.nodes[id] = d
	return d
}

// Node returns the dimmer at id, or nil.
func (n *Network) Node(id uint8) *Dimmer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

func (n *Network) lookup(id uint8) *Dimmer {
	n.mu.Lock()
	defer n.mu.Unlock()
	d, ok := n.nodes[id]
	if !ok && n.autoJoin && id >= mesh.MinNode && id <= mesh.MaxNode {
		d = newDimmer()
		n.nodes[id] = d
	}
	return d
}

// Port returns the host side of a fresh controller link. It satisfies
// mesh.PortFunc.
func (n *Network) Port(name string) (io.ReadWriteCloser, error) {
	host, dev := net.Pipe()
	go n.serve(name, dev)
	return host, nil
}

func (n *Network) serve(name string, conn net.Conn) {
	defer conn.Close()

	out := make(chan []byte, 64)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case b := <-out:
				if _, err := conn.Write(b); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	send := func(b []byte) {
		select {
		case out <- b:
		case <-stop:
		}
	}

	dec := mesh.NewDecoder(conn)
	for {
		u, err := dec.Next()
		if err != nil {
			if errors.Is(err, mesh.ErrChecksum) || errors.Is(err, mesh.ErrFrame) {
				send([]byte{mesh.NAK})
				continue
			}
			n.logger.Debugw("sim link closed", "network", name, "error", err)
			return
		}
		if u.Control != 0 {
			continue
		}

		node := u.Frame.Node
		d := n.lookup(node)
		if d == nil {
			send([]byte{mesh.CAN})
			continue
		}

		d.mu.Lock()
		silent := d.silent
		fail := d.failN > 0
		if fail {
			d.failN--
		}
		d.mu.Unlock()

		switch {
		case silent:
			continue
		case fail:
			send([]byte{mesh.CAN})
			continue
		}
		report := d.handle(u.Frame.Payload)
		send([]byte{mesh.ACK})
		if report == nil {
			continue
		}
		raw, err := mesh.Encode(mesh.Frame{Node: node, Payload: report})
		if err != nil {
			continue
		}
		d.mu.Lock()
		if d.corrupt > 0 {
			d.corrupt--
			raw[len(raw)-1] ^= 0x5A
		}
		delay := d.delay
		d.mu.Unlock()
		if delay > 0 {
			time.AfterFunc(delay, func() { send(raw) })
			continue
		}
		send(raw)
	}
}
