// internal/writer/modbus/client.go

// Package modbus writes reading and status registers to a Modbus TCP server
// with function code 16.
package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

// MaxWriteRegisters is the FC16 limit for one request. Longer blocks, such
// as many devices' readings on one target, are split.
const MaxWriteRegisters = 123

const areaHoldingRegisters byte = 3

// ErrNotWritable is returned for any area other than holding registers.
var ErrNotWritable = errors.New("writer modbus: area is not writable")

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// EndpointClient shares one TCP connection per endpoint between every
// device that targets it. The unit id is set per write, so writes are
// serialized.
type EndpointClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func NewEndpointClient(cfg Config) (*EndpointClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("writer modbus: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	// idle links are closed by the handler and redialed on the next write
	h.IdleTimeout = 10 * cfg.Timeout

	return &EndpointClient{handler: h, client: modbus.NewClient(h)}, nil
}

func (c *EndpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// WriteRegisters writes regs from addr on, in chunks of at most
// MaxWriteRegisters. A device exception fails the write but keeps the
// connection; any other failure drops it so the next write redials.
func (c *EndpointClient) WriteRegisters(area byte, unitID uint8, addr uint16, regs []uint16) error {
	if area != areaHoldingRegisters {
		return errors.Wrapf(ErrNotWritable, "area %d", area)
	}
	if int(addr)+len(regs) > 0x10000 {
		return errors.Errorf("writer modbus: %d registers at %d overrun the address space", len(regs), addr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unitID

	for _, ch := range chunks(addr, regs) {
		if _, err := c.client.WriteMultipleRegisters(ch.addr, uint16(len(ch.regs)), encode(ch.regs)); err != nil {
			var mbErr *modbus.ModbusError
			if !errors.As(err, &mbErr) {
				_ = c.handler.Close()
			}
			return fmt.Errorf("writer modbus: unit %d addr %d: %w", unitID, ch.addr, err)
		}
	}
	return nil
}

type chunk struct {
	addr uint16
	regs []uint16
}

func chunks(addr uint16, regs []uint16) []chunk {
	var out []chunk
	for len(regs) > 0 {
		n := min(len(regs), MaxWriteRegisters)
		out = append(out, chunk{addr: addr, regs: regs[:n]})
		addr += uint16(n)
		regs = regs[n:]
	}
	return out
}

// encode lays registers out high byte first, as they travel in a PDU.
func encode(regs []uint16) []byte {
	out := make([]byte, 0, 2*len(regs))
	for _, r := range regs {
		out = append(out, byte(r>>8), byte(r))
	}
	return out
}
