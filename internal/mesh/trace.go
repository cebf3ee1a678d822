// internal/mesh/trace.go
package mesh

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tamzrod/devicekit/internal/transport"
)

// Direction of a traced frame relative to the host.
type Direction uint8

const (
	Outbound Direction = 1
	Inbound  Direction = 2
)

// TraceRecord is one application frame as written to a trace file.
type TraceRecord struct {
	At        time.Time `cbor:"1,keyasint"`
	Node      uint8     `cbor:"2,keyasint"`
	Direction Direction `cbor:"3,keyasint"`
	Payload   []byte    `cbor:"4,keyasint"`
	Err       string    `cbor:"5,keyasint,omitempty"`
}

var (
	traceEncMode cbor.EncMode
	traceDecMode cbor.DecMode
)

func init() {
	var err error
	traceEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("mesh: trace encoder mode: %v", err))
	}
	traceDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("mesh: trace decoder mode: %v", err))
	}
}

// FileTracer appends TraceRecords to a file. Safe for concurrent use.
type FileTracer struct {
	mu     sync.Mutex
	file   *os.File
	enc    *cbor.Encoder
	now    func() time.Time
	closed bool
}

// NewFileTracer opens (or creates) path for appending.
func NewFileTracer(path string, now func() time.Time) (*FileTracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &FileTracer{file: f, enc: traceEncMode.NewEncoder(f), now: now}, nil
}

// Trace records one frame. Encoding failures are dropped.
func (t *FileTracer) Trace(node uint8, dir Direction, payload []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	rec := TraceRecord{At: t.now(), Node: node, Direction: dir, Payload: payload}
	if err != nil {
		rec.Err = err.Error()
	}
	_ = t.enc.Encode(rec)
}

// Close is safe to call more than once.
func (t *FileTracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}

// ReadTrace decodes every record from r.
func ReadTrace(r io.Reader) ([]TraceRecord, error) {
	dec := traceDecMode.NewDecoder(r)
	var out []TraceRecord
	for {
		var rec TraceRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}

// Traced wraps conn so every frame it carries is recorded. Closing the
// returned conn closes the tracer too.
func Traced(conn transport.Conn, node uint8, t *FileTracer) transport.Conn {
	return &tracedConn{Conn: conn, node: node, t: t}
}

type tracedConn struct {
	transport.Conn
	node uint8
	t    *FileTracer
}

func (c *tracedConn) WriteFrame(ctx context.Context, payload []byte) error {
	err := c.Conn.WriteFrame(ctx, payload)
	c.t.Trace(c.node, Outbound, payload, err)
	return err
}

func (c *tracedConn) ReadFrame(ctx context.Context) ([]byte, error) {
	p, err := c.Conn.ReadFrame(ctx)
	c.t.Trace(c.node, Inbound, p, err)
	return p, err
}

func (c *tracedConn) Drain() int { return transport.Drain(c.Conn) }

func (c *tracedConn) Close() error {
	err := c.Conn.Close()
	if terr := c.t.Close(); err == nil {
		err = terr
	}
	return err
}
