// internal/writer/ingest/client_test.go
package ingest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	kind   byte
	unit   byte
	addr   uint16
	seq    uint32
	regs   []uint16
	device string
	names  []string
}

// receiver accepts connections and answers each frame with the status
// returned by reply, which runs under mu.
type receiver struct {
	addr  string
	reply func(f frame) byte

	mu      sync.Mutex
	frames  []frame
	accepts int
}

func newReceiver(t *testing.T, reply func(f frame) byte) *receiver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	r := &receiver{addr: ln.Addr().String(), reply: reply}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.accepts++
			r.mu.Unlock()
			go r.serve(conn)
		}
	}()
	return r
}

func (r *receiver) serve(conn net.Conn) {
	defer conn.Close()
	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.frames = append(r.frames, f)
		status := r.reply(f)
		r.mu.Unlock()

		out := []byte{status}
		out = binary.BigEndian.AppendUint32(out, f.seq)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (r *receiver) received() ([]frame, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame(nil), r.frames...), r.accepts
}

func readFrame(rd io.Reader) (frame, error) {
	var h [headerLen]byte
	if _, err := io.ReadFull(rd, h[:]); err != nil {
		return frame{}, err
	}
	f := frame{
		kind: h[3],
		unit: h[4],
		addr: binary.BigEndian.Uint16(h[6:8]),
		seq:  binary.BigEndian.Uint32(h[8:12]),
	}
	raw := make([]byte, 2*int(h[5]))
	if _, err := io.ReadFull(rd, raw); err != nil {
		return frame{}, err
	}
	for i := 0; i < len(raw); i += 2 {
		f.regs = append(f.regs, binary.BigEndian.Uint16(raw[i:]))
	}
	if f.kind != KindReadings {
		return f, nil
	}
	text := func() (string, error) {
		var n [1]byte
		if _, err := io.ReadFull(rd, n[:]); err != nil {
			return "", err
		}
		s := make([]byte, n[0])
		_, err := io.ReadFull(rd, s)
		return string(s), err
	}
	var err error
	if f.device, err = text(); err != nil {
		return frame{}, err
	}
	for range len(f.regs) / 2 {
		name, err := text()
		if err != nil {
			return frame{}, err
		}
		f.names = append(f.names, name)
	}
	return f, nil
}

func accept(frame) byte { return StatusOK }

func TestEncodeFrame(t *testing.T) {
	b := encodeFrame(KindRegisters, 7, 0x0102, 9, []uint16{0xAABB, 0xCCDD}, nil)

	assert.Equal(t, []byte{
		'D', 'K', 0x02, KindRegisters,
		0x07, 0x02,
		0x01, 0x02,
		0x00, 0x00, 0x00, 0x09,
		0xAA, 0xBB, 0xCC, 0xDD,
	}, b)
}

func TestWriteReadingsCarriesNames(t *testing.T) {
	r := newReceiver(t, accept)
	c, err := NewEndpointClient(Config{Endpoint: r.addr, Timeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	regs := []uint16{0x42C6, 0x0F5C, 0x3EC2, 0x8F5C}
	require.NoError(t, c.WriteReadings(2, 100, "orp-0", []string{"orp_mv", "volts"}, regs))

	frames, _ := r.received()
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, KindReadings, f.kind)
	assert.Equal(t, byte(2), f.unit)
	assert.Equal(t, uint16(100), f.addr)
	assert.Equal(t, regs, f.regs)
	assert.Equal(t, "orp-0", f.device)
	assert.Equal(t, []string{"orp_mv", "volts"}, f.names)
}

func TestConnectionIsReused(t *testing.T) {
	r := newReceiver(t, accept)
	c, err := NewEndpointClient(Config{Endpoint: r.addr, Timeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	for i := range 3 {
		require.NoError(t, c.WriteRegisters(3, 1, uint16(i), []uint16{uint16(i)}))
	}

	frames, accepts := r.received()
	require.Len(t, frames, 3)
	assert.Equal(t, 1, accepts)
	for i, f := range frames {
		assert.Equal(t, uint32(i+1), f.seq)
		assert.Equal(t, KindRegisters, f.kind)
	}
}

func TestRejectedFrameRedials(t *testing.T) {
	var n int
	r := newReceiver(t, func(frame) byte {
		n++
		if n == 1 {
			return StatusRejected
		}
		return StatusOK
	})
	c, err := NewEndpointClient(Config{Endpoint: r.addr, Timeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	err = c.WriteRegisters(3, 1, 0, []uint16{1})
	assert.ErrorIs(t, err, ErrRejected)

	require.NoError(t, c.WriteRegisters(3, 1, 0, []uint16{1}))
	_, accepts := r.received()
	assert.Equal(t, 2, accepts)
}

func TestWriteRejectsBadInput(t *testing.T) {
	c, err := NewEndpointClient(Config{Endpoint: "127.0.0.1:1"})
	require.NoError(t, err)

	assert.Error(t, c.WriteRegisters(1, 1, 0, []uint16{1}))
	assert.Error(t, c.WriteRegisters(3, 1, 0, nil))
	assert.Error(t, c.WriteRegisters(3, 1, 0, make([]uint16, MaxRegisters+1)))
	assert.Error(t, c.WriteReadings(1, 0, "d", []string{"a"}, []uint16{1}))
	assert.Error(t, c.WriteReadings(1, 0, "", []string{"a"}, []uint16{1, 2}))
}

func TestNewEndpointClient_RequiresEndpoint(t *testing.T) {
	_, err := NewEndpointClient(Config{})
	assert.Error(t, err)
}
