// internal/device/base.go
package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tamzrod/devicekit/internal/transport"
)

// OptTimeout is declared by every driver: the deadline applied to init and
// update when the caller's context has none.
const OptTimeout = "timeout"

// DefaultTimeout is the OptTimeout default.
const DefaultTimeout = 5 * time.Second

// Env carries the collaborators a handle is constructed with.
// The zero value is usable.
type Env struct {
	Name   string
	Logger *zap.SugaredLogger
	Clock  clock.Clock
}

// AddressRange is the inclusive valid address span of a transport.
type AddressRange struct {
	Min, Max int
}

func (r AddressRange) contains(a int) bool { return a >= r.Min && a <= r.Max }

// Base is the lifecycle core every driver embeds.
//
// All lifecycle, update and command calls are serialized by one mutex, so a
// handle may be shared between goroutines; accessors only touch the cache and
// never wait on I/O.
type Base struct {
	op    sync.Mutex
	state atomic.Uint32

	name    string
	model   string
	address int

	opts    *Options
	binding io.Closer
	logger  *zap.SugaredLogger
	clock   clock.Clock
}

// NewBase validates address and builds a handle in StateCreated.
func NewBase(model string, address int, valid AddressRange, env Env, specs ...OptionSpec) (*Base, error) {
	if env.Name == "" {
		env.Name = fmt.Sprintf("%s@%d", model, address)
	}
	if !valid.contains(address) {
		return nil, &Error{
			Kind:   InvalidAddress,
			Op:     "construct",
			Device: env.Name,
			Err:    errors.Errorf("%d outside [%d,%d]", address, valid.Min, valid.Max),
		}
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop().Sugar()
	}
	if env.Clock == nil {
		env.Clock = clock.New()
	}

	all := append([]OptionSpec{{
		Name:    OptTimeout,
		Type:    Duration,
		Default: DefaultTimeout,
		Check:   PositiveDuration,
	}}, specs...)

	return &Base{
		name:    env.Name,
		model:   model,
		address: address,
		opts:    NewOptions(all...),
		logger:  env.Logger.Named(model).With("device", env.Name, "address", address),
		clock:   env.Clock,
	}, nil
}

func (b *Base) Name() string { return b.name }
func (b *Base) Model() string { return b.model }
func (b *Base) Address() int { return b.address }
func (b *Base) State() State { return State(b.state.Load()) }
func (b *Base) Options() *Options { return b.opts }

// Logger is the handle-scoped logger for driver code.
func (b *Base) Logger() *zap.SugaredLogger { return b.logger }

// Now reads the injected clock.
func (b *Base) Now() time.Time { return b.clock.Now() }

// Fail builds a device error tagged with this handle.
func (b *Base) Fail(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Device: b.name, Err: err}
}

// SetOption is valid only before the options are locked.
func (b *Base) SetOption(name string, value any) error {
	b.op.Lock()
	defer b.op.Unlock()
	return b.tag(b.opts.Set(name, value))
}

// LockOptions moves Created -> OptionsLocked.
func (b *Base) LockOptions() error {
	b.op.Lock()
	defer b.op.Unlock()

	if err := b.tag(b.opts.Lock()); err != nil {
		return err
	}
	b.state.CompareAndSwap(uint32(StateCreated), uint32(StateOptionsLocked))
	return nil
}

// Bind runs the driver's transport setup and, on success, moves the handle
// to StateInitialized with options locked. On failure nothing changes.
func (b *Base) Bind(ctx context.Context, connection string, open func(ctx context.Context) (io.Closer, error)) error {
	b.op.Lock()
	defer b.op.Unlock()

	switch b.State() {
	case StateInitialized:
		return b.Fail(AlreadyInitialized, "init", nil)
	case StateClosed:
		return b.Fail(NotInitialized, "init", transport.ErrClosed)
	}

	ctx, cancel := b.deadline(ctx, b.opts.Duration(OptTimeout))
	defer cancel()

	b.logger.Debugw("init", "connection", connection)
	c, err := open(ctx)
	if err != nil {
		b.logger.Debugw("init failed", "error", err)
		return Translate("init", b.name, err)
	}

	if !b.opts.Locked() {
		_ = b.opts.Lock()
	}
	b.binding = c
	b.state.Store(uint32(StateInitialized))
	b.logger.Infow("initialized", "connection", connection)
	return nil
}

// Command runs one actuator command under the handle lock. Failures are
// reported as CommandError with the transport kind as cause.
func (b *Base) Command(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	b.op.Lock()
	defer b.op.Unlock()

	if b.State() != StateInitialized {
		return b.Fail(NotInitialized, op, nil)
	}
	ctx, cancel := b.deadline(ctx, timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		b.logger.Debugw("command failed", "op", op, "error", err)
		return commandFailure(op, b.name, err)
	}
	return nil
}

// Close releases the transport binding. Closing twice is a no-op.
func (b *Base) Close() error {
	b.op.Lock()
	defer b.op.Unlock()

	if b.State() == StateClosed {
		return nil
	}
	b.state.Store(uint32(StateClosed))
	if b.binding == nil {
		return nil
	}
	err := b.binding.Close()
	b.binding = nil
	return errors.Wrapf(err, "%s: close", b.name)
}

func (b *Base) tag(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		de.Device = b.name
	}
	return err
}

func (b *Base) deadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Poll performs one update: read does every I/O, and its result is committed
// to c only when it returns no error.
func Poll[T any](ctx context.Context, b *Base, c *Cache[T], read func(ctx context.Context) (T, error)) error {
	b.op.Lock()
	defer b.op.Unlock()

	if b.State() != StateInitialized {
		return b.Fail(NotInitialized, "update", nil)
	}
	ctx, cancel := b.deadline(ctx, b.opts.Duration(OptTimeout))
	defer cancel()

	v, err := read(ctx)
	if err != nil {
		b.logger.Debugw("update failed", "error", err)
		return Translate("update", b.name, err)
	}
	c.Store(v, b.clock.Now())
	return nil
}

// Get reads one field of the cached readings. It never performs I/O.
func Get[T, V any](b *Base, c *Cache[T], op string, pick func(T) V) (V, error) {
	v, _, ok := c.Load()
	if !ok {
		var zero V
		return zero, b.Fail(NotYetUpdated, op, nil)
	}
	if b.State() != StateInitialized {
		var zero V
		return zero, b.Fail(NotInitialized, op, nil)
	}
	return pick(v), nil
}
