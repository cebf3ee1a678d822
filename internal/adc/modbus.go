// internal/adc/modbus.go
package adc

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

// modbusBus is one remote I/O module; its channels are input registers.
type modbusBus struct {
	mu        sync.Mutex
	handler   modbusHandler
	client    modbus.Client
	fullScale float64
	refs      int
}

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type modbusSettings struct {
	unit      byte
	fullScale float64
	baud      int
	timeout   time.Duration
}

func newTCPBus(addr string, s modbusSettings) *modbusBus {
	h := modbus.NewTCPClientHandler(addr)
	h.SlaveId = s.unit
	h.Timeout = s.timeout
	return &modbusBus{handler: h, client: modbus.NewClient(h), fullScale: s.fullScale}
}

func newRTUBus(device string, s modbusSettings) *modbusBus {
	h := modbus.NewRTUClientHandler(device)
	h.BaudRate = s.baud
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.SlaveId = s.unit
	h.Timeout = s.timeout
	return &modbusBus{handler: h, client: modbus.NewClient(h), fullScale: s.fullScale}
}

func (b *modbusBus) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		if err := b.handler.Connect(); err != nil {
			return err
		}
	}
	b.refs++
	return nil
}

func (b *modbusBus) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return nil
	}
	b.refs--
	if b.refs == 0 {
		return b.handler.Close()
	}
	return nil
}

func (b *modbusBus) read(ctx context.Context, reg uint16) (float64, error) {
	type result struct {
		raw []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		raw, err := b.client.ReadInputRegisters(reg, 1)
		ch <- result{raw, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, errors.Wrapf(r.err, "read input register %d", reg)
		}
		if len(r.raw) != 2 {
			return 0, errors.Wrapf(ErrStaleSample, "register %d: %d bytes", reg, len(r.raw))
		}
		return normalize(float64(binary.BigEndian.Uint16(r.raw)), 0, b.fullScale)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type modbusChannel struct {
	bus  *modbusBus
	reg  uint16
	once sync.Once
}

func (c *modbusChannel) Read(ctx context.Context) (float64, error) {
	return c.bus.read(ctx, c.reg)
}

func (c *modbusChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.bus.release() })
	return err
}
