// internal/mesh/controller.go
package mesh

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/goburrow/serial"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/transport"
)

const nodeQueueDepth = 8

type inbound struct {
	payload []byte
	err     error
}

// Controller owns one link to a mesh controller and multiplexes it between
// node connections. It is safe for concurrent use.
type Controller struct {
	rw     io.ReadWriteCloser
	logger *zap.SugaredLogger

	// txMu serializes a frame write with the wait for its acknowledgement.
	txMu sync.Mutex
	// wireMu guards raw writes (frames and the reader's ACK/NAK bytes).
	wireMu sync.Mutex
	acks   chan byte

	mu     sync.Mutex
	queues map[uint8]chan inbound

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// NewController starts the reader goroutine on rw.
func NewController(rw io.ReadWriteCloser, logger *zap.SugaredLogger) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Controller{
		rw:     rw,
		logger: logger,
		acks:   make(chan byte, 4),
		queues: make(map[uint8]chan inbound),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Open pings node and returns a connection for it. A node that does not
// acknowledge before ctx expires yields transport.ErrTimeout; one the
// controller cancels yields transport.ErrUnavailable.
func (c *Controller) Open(ctx context.Context, address int) (transport.Conn, error) {
	if address < MinNode || address > MaxNode {
		return nil, errors.Wrapf(transport.ErrUnavailable, "node %d outside [%d,%d]", address, MinNode, MaxNode)
	}
	node := uint8(address)

	q := c.register(node)
	if err := c.send(ctx, node, NoOp()); err != nil {
		c.release(node, q)
		return nil, errors.Wrapf(err, "ping node %d", node)
	}
	c.logger.Debugw("node open", "node", node)
	return &nodeConn{c: c, node: node, q: q}, nil
}

// Close shuts the link. Open node connections fail with transport.ErrClosed.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rw.Close()
		<-c.done
	})
	return err
}

// Err is the error that stopped the reader, if it has stopped.
func (c *Controller) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Controller) register(node uint8) chan inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a second open of the same node replaces the first queue
	q := make(chan inbound, nodeQueueDepth)
	c.queues[node] = q
	return q
}

func (c *Controller) release(node uint8, q chan inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queues[node] == q {
		delete(c.queues, node)
	}
}

func (c *Controller) send(ctx context.Context, node uint8, payload []byte) error {
	raw, err := Encode(Frame{Node: node, Payload: payload})
	if err != nil {
		return err
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	// stale acknowledgements belong to frames we already gave up on
	for drained := false; !drained; {
		select {
		case <-c.acks:
		default:
			drained = true
		}
	}

	if err := c.write(raw); err != nil {
		return err
	}

	select {
	case b := <-c.acks:
		switch b {
		case ACK:
			return nil
		case CAN:
			return errors.Wrapf(transport.ErrUnavailable, "node %d", node)
		default:
			return errors.Wrapf(ErrNAK, "node %d", node)
		}
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-c.done:
		return transport.ErrClosed
	}
}

func (c *Controller) write(b []byte) error {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	_, err := c.rw.Write(b)
	return err
}

func (c *Controller) readLoop() {
	defer close(c.done)

	dec := NewDecoder(idleReader{r: c.rw})
	for {
		u, err := dec.Next()
		switch {
		case err == nil:
		case errors.Is(err, ErrChecksum):
			c.logger.Debugw("checksum mismatch", "node", u.Frame.Node)
			_ = c.write([]byte{NAK})
			c.deliver(u.Frame.Node, inbound{err: ErrChecksum})
			continue
		case errors.Is(err, ErrFrame):
			c.logger.Debugw("malformed frame", "error", err)
			_ = c.write([]byte{NAK})
			continue
		default:
			c.readErr = err
			c.logger.Debugw("reader stopped", "error", err)
			return
		}

		if u.Control != 0 {
			select {
			case c.acks <- u.Control:
			default:
			}
			continue
		}

		_ = c.write([]byte{ACK})
		c.deliver(u.Frame.Node, inbound{payload: u.Frame.Payload})
	}
}

func (c *Controller) deliver(node uint8, in inbound) {
	c.mu.Lock()
	q, ok := c.queues[node]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugw("unsolicited frame", "node", node)
		return
	}
	for {
		select {
		case q <- in:
			return
		default:
		}
		// full: the oldest frame is the least useful one
		select {
		case <-q:
		default:
		}
	}
}

// idleReader hides serial read timeouts, which only mean the line was quiet.
type idleReader struct {
	r io.Reader
}

func (ir idleReader) Read(p []byte) (int, error) {
	for {
		n, err := ir.r.Read(p)
		if n > 0 || err == nil || !isIdle(err) {
			return n, err
		}
	}
}

func isIdle(err error) bool {
	return errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded)
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return transport.ErrTimeout
	}
	return ctx.Err()
}

// nodeConn is one node's view of the controller.
type nodeConn struct {
	c    *Controller
	node uint8
	q    chan inbound

	once sync.Once
}

func (n *nodeConn) WriteFrame(ctx context.Context, payload []byte) error {
	return n.c.send(ctx, n.node, payload)
}

func (n *nodeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case in := <-n.q:
		return in.payload, in.err
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	case <-n.c.done:
		return nil, transport.ErrClosed
	}
}

func (n *nodeConn) Drain() int {
	dropped := 0
	for {
		select {
		case <-n.q:
			dropped++
		default:
			return dropped
		}
	}
}

func (n *nodeConn) Close() error {
	n.once.Do(func() { n.c.release(n.node, n.q) })
	return nil
}
