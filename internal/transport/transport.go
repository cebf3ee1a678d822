// internal/transport/transport.go

// Package transport is the minimal contract drivers consume to reach a
// physical unit. Implementations live elsewhere (mesh controller, simulators).
package transport

import (
	"context"
	"errors"
)

// Sentinel failures every implementation reports through (wrapped is fine).
var (
	// ErrUnavailable means the link or the addressed unit does not exist.
	ErrUnavailable = errors.New("transport: unavailable")
	// ErrTimeout means nothing answered before the deadline.
	ErrTimeout = errors.New("transport: timeout")
	// ErrClosed is returned by operations on a closed conn.
	ErrClosed = errors.New("transport: closed")
)

// Conn is one opened address on a transport.
type Conn interface {
	// ReadFrame blocks for the next application frame addressed from the unit.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one application frame and returns once it is acknowledged.
	WriteFrame(ctx context.Context, payload []byte) error
	Close() error
}

// Drainer is implemented by conns that queue frames nobody asked for yet,
// such as a late answer to a request that already timed out.
type Drainer interface {
	// Drain discards every queued frame and returns how many were dropped.
	Drain() int
}

// Drain empties conn's queue when it has one.
func Drain(conn Conn) int {
	if d, ok := conn.(Drainer); ok {
		return d.Drain()
	}
	return 0
}

// Opener binds addresses on one established link.
type Opener interface {
	Open(ctx context.Context, address int) (Conn, error)
}

// Dialer resolves a connection string (device path, sim:name, ...) to a link.
type Dialer interface {
	Dial(ctx context.Context, connection string) (Opener, error)
}

// IsTimeout reports whether err is a deadline-type failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
