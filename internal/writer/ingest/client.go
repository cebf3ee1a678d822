// internal/writer/ingest/client.go

// Package ingest pushes device readings to a devicekit ingest receiver over
// one long-lived TCP connection.
//
// Every frame starts with a 12-byte header:
//
//	0-1   magic "DK"
//	2     version (0x02)
//	3     kind (KindRegisters or KindReadings)
//	4     unit id
//	5     register count
//	6-7   start address
//	8-11  sequence number
//
// followed by the registers, big-endian. A KindReadings frame then carries
// the device id and one name per float32 register pair, each prefixed with
// its length in one byte. The receiver answers every frame with a status
// byte and the echoed sequence number.
package ingest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	magic         = "DK"
	version  byte = 0x02
	headerLen     = 12
	replyLen      = 5

	// MaxRegisters is the largest block one frame carries.
	MaxRegisters = 255
	maxText      = 255
)

// Frame kinds.
const (
	KindRegisters byte = 0x01
	KindReadings  byte = 0x02
)

// Reply status codes.
const (
	StatusOK       byte = 0x00
	StatusRejected byte = 0x01
	StatusBusy     byte = 0x02
)

// ErrRejected is returned when the receiver refused a frame.
var ErrRejected = errors.New("writer ingest: rejected")

// Config configures an EndpointClient.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// EndpointClient holds one connection to a receiver and redials after any
// I/O failure. Writes are serialized.
type EndpointClient struct {
	endpoint string
	timeout  time.Duration

	mu   sync.Mutex
	conn net.Conn
	seq  uint32
}

func NewEndpointClient(cfg Config) (*EndpointClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("writer ingest: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &EndpointClient{endpoint: cfg.Endpoint, timeout: cfg.Timeout}, nil
}

func (c *EndpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drop()
}

// WriteRegisters sends a bare register block. Only holding registers (area 3)
// exist on a receiver.
func (c *EndpointClient) WriteRegisters(area byte, unitID uint8, addr uint16, regs []uint16) error {
	if area != 3 {
		return errors.Errorf("writer ingest: area %d is not writable", area)
	}
	return c.send(KindRegisters, unitID, addr, regs, nil)
}

// WriteReadings sends float32 reading pairs tagged with the device id and
// reading names, so the receiver can store them without a register map.
func (c *EndpointClient) WriteReadings(unitID uint8, addr uint16, device string, names []string, regs []uint16) error {
	if len(regs) != 2*len(names) {
		return errors.Errorf("writer ingest: %d registers for %d readings", len(regs), len(names))
	}
	trailer, err := appendText(nil, device)
	if err != nil {
		return err
	}
	for _, n := range names {
		if trailer, err = appendText(trailer, n); err != nil {
			return err
		}
	}
	return c.send(KindReadings, unitID, addr, regs, trailer)
}

func (c *EndpointClient) send(kind byte, unitID uint8, addr uint16, regs []uint16, trailer []byte) error {
	if len(regs) == 0 || len(regs) > MaxRegisters {
		return errors.Errorf("writer ingest: register count %d outside 1..%d", len(regs), MaxRegisters)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	frame := encodeFrame(kind, unitID, addr, c.seq, regs, trailer)

	if err := c.roundTrip(frame, c.seq); err != nil {
		_ = c.drop()
		return err
	}
	return nil
}

func (c *EndpointClient) roundTrip(frame []byte, seq uint32) error {
	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.endpoint, c.timeout)
		if err != nil {
			return errors.Wrap(err, "writer ingest: dial")
		}
		c.conn = conn
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.Wrap(err, "writer ingest: deadline")
	}
	if _, err := c.conn.Write(frame); err != nil {
		return errors.Wrap(err, "writer ingest: write")
	}

	var reply [replyLen]byte
	if _, err := io.ReadFull(c.conn, reply[:]); err != nil {
		return errors.Wrap(err, "writer ingest: read reply")
	}
	if got := binary.BigEndian.Uint32(reply[1:]); got != seq {
		return errors.Errorf("writer ingest: reply for frame %d, sent %d", got, seq)
	}

	switch reply[0] {
	case StatusOK:
		return nil
	case StatusRejected:
		return ErrRejected
	case StatusBusy:
		return errors.New("writer ingest: receiver busy")
	default:
		return errors.Errorf("writer ingest: unknown status 0x%02x", reply[0])
	}
}

func (c *EndpointClient) drop() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func encodeFrame(kind, unitID uint8, addr uint16, seq uint32, regs []uint16, trailer []byte) []byte {
	b := make([]byte, 0, headerLen+2*len(regs)+len(trailer))
	b = append(b, magic...)
	b = append(b, version, kind, unitID, byte(len(regs)))
	b = binary.BigEndian.AppendUint16(b, addr)
	b = binary.BigEndian.AppendUint32(b, seq)
	for _, r := range regs {
		b = binary.BigEndian.AppendUint16(b, r)
	}
	return append(b, trailer...)
}

func appendText(b []byte, s string) ([]byte, error) {
	if s == "" || len(s) > maxText {
		return b, errors.Errorf("writer ingest: name %q must be 1..%d bytes", s, maxText)
	}
	b = append(b, byte(len(s)))
	return append(b, s...), nil
}
