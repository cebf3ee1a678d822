// internal/device/options.go
package device

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// OptionType is the value type an option is coerced to.
type OptionType uint8

const (
	Bool OptionType = iota
	Int
	Float
	String
	Duration
)

func (t OptionType) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Duration:
		return "duration"
	default:
		return "unknown"
	}
}

// OptionSpec declares one driver option. A driver's set of specs is closed:
// names outside it are rejected with UnknownOption.
type OptionSpec struct {
	Name    string
	Type    OptionType
	Default any
	// Check runs on the coerced value. Nil accepts anything of the right type.
	Check func(v any) error
}

// Options holds the values of a closed option set.
type Options struct {
	mu     sync.Mutex
	specs  map[string]OptionSpec
	values map[string]any
	locked bool
}

// NewOptions builds an option set with every default applied.
// It panics on duplicate names or defaults that fail their own spec;
// both are programming errors in the driver declaring them.
func NewOptions(specs ...OptionSpec) *Options {
	o := &Options{
		specs:  make(map[string]OptionSpec, len(specs)),
		values: make(map[string]any, len(specs)),
	}
	for _, s := range specs {
		if _, dup := o.specs[s.Name]; dup {
			panic(fmt.Sprintf("device: duplicate option %q", s.Name))
		}
		v, err := coerce(s, s.Default)
		if err != nil {
			panic(fmt.Sprintf("device: default for option %q: %v", s.Name, err))
		}
		o.specs[s.Name] = s
		o.values[s.Name] = v
	}
	return o
}

// Set validates and stores a value.
func (o *Options) Set(name string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	op := "set option " + name
	if o.locked {
		return &Error{Kind: OptionsLocked, Op: op}
	}
	spec, ok := o.specs[name]
	if !ok {
		return &Error{Kind: UnknownOption, Op: op}
	}
	v, err := coerce(spec, value)
	if err != nil {
		return &Error{Kind: InvalidOptionValue, Op: op, Err: err}
	}
	o.values[name] = v
	return nil
}

// Lock freezes the set. Locking twice fails with AlreadyLocked.
func (o *Options) Lock() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locked {
		return &Error{Kind: AlreadyLocked, Op: "lock options"}
	}
	o.locked = true
	return nil
}

// Locked reports whether Lock has succeeded.
func (o *Options) Locked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.locked
}

// Names lists declared options in sorted order.
func (o *Options) Names() []string {
	names := make([]string, 0, len(o.specs))
	for n := range o.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ---- typed getters (names must be declared) ----

func (o *Options) Bool(name string) bool { return o.get(name, Bool).(bool) }
func (o *Options) Int(name string) int { return o.get(name, Int).(int) }
func (o *Options) Float(name string) float64 { return o.get(name, Float).(float64) }
func (o *Options) String(name string) string { return o.get(name, String).(string) }
func (o *Options) Duration(name string) time.Duration { return o.get(name, Duration).(time.Duration) }

func (o *Options) get(name string, t OptionType) any {
	o.mu.Lock()
	defer o.mu.Unlock()
	spec, ok := o.specs[name]
	if !ok || spec.Type != t {
		panic(fmt.Sprintf("device: option %q is not a declared %s", name, t))
	}
	return o.values[name]
}

func coerce(spec OptionSpec, value any) (any, error) {
	var (
		v   any
		err error
	)
	switch spec.Type {
	case Bool:
		v, err = cast.ToBoolE(value)
	case Int:
		v, err = cast.ToIntE(value)
	case Float:
		v, err = cast.ToFloat64E(value)
	case String:
		v, err = cast.ToStringE(value)
	case Duration:
		v, err = cast.ToDurationE(value)
	default:
		return nil, errors.Errorf("unsupported option type %d", spec.Type)
	}
	if err != nil {
		return nil, err
	}
	if spec.Check != nil {
		if err := spec.Check(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// ---- validators ----

// FloatRange accepts lo < v <= hi when openLow, otherwise lo <= v <= hi.
// NaN and infinities are never in range.
func FloatRange(lo, hi float64, openLow bool) func(any) error {
	return func(v any) error {
		f := v.(float64)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.Errorf("%v is not a finite number", f)
		}
		if (openLow && f <= lo) || (!openLow && f < lo) || f > hi {
			return errors.Errorf("%v out of range", f)
		}
		return nil
	}
}

// IntRange accepts lo <= v <= hi.
func IntRange(lo, hi int) func(any) error {
	return func(v any) error {
		i := v.(int)
		if i < lo || i > hi {
			return errors.Errorf("%d out of range [%d,%d]", i, lo, hi)
		}
		return nil
	}
}

// PositiveDuration rejects zero and negative durations.
func PositiveDuration(v any) error {
	if v.(time.Duration) <= 0 {
		return errors.New("duration must be > 0")
	}
	return nil
}
