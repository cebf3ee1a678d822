// internal/status/tracker.go
package status

import (
	"errors"
	"time"

	"github.com/tamzrod/devicekit/internal/device"
)

// Tracker owns the status state of one device.
// It is fed poll outcomes and a 1 Hz tick; it is not safe for concurrent use.
type Tracker struct {
	staleAfter time.Duration

	snap   Snapshot
	lastOK time.Time
}

// NewTracker starts in HealthUnknown. staleAfter <= 0 disables staleness.
func NewTracker(staleAfter time.Duration) *Tracker {
	return &Tracker{
		staleAfter: staleAfter,
		snap:       Snapshot{Health: HealthUnknown},
	}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot { return t.snap }

// Observe folds one poll outcome into the state. It reports whether the
// snapshot changed.
func (t *Tracker) Observe(err error, at time.Time) (Snapshot, bool) {
	prev := t.snap

	if err == nil {
		t.lastOK = at
		// Recovery resets the error fields.
		t.snap = Snapshot{Health: HealthOK}
		return t.snap, t.snap != prev
	}

	t.snap.Health = HealthError
	t.snap.LastErrorCode = ErrorCode(err)

	// seconds_in_error increments on the 1 Hz tick only.
	return t.snap, t.snap != prev
}

// Tick advances seconds_in_error while not OK and applies staleness.
// It reports whether the snapshot changed.
func (t *Tracker) Tick(now time.Time) (Snapshot, bool) {
	prev := t.snap

	if t.snap.Health == HealthOK && t.staleAfter > 0 && now.Sub(t.lastOK) > t.staleAfter {
		t.snap.Health = HealthStale
	}

	// HARD INVARIANT: seconds_in_error MUST NOT wrap
	if t.snap.Health != HealthOK && t.snap.SecondsInError < MaxSecondsInError {
		t.snap.SecondsInError++
	}

	return t.snap, t.snap != prev
}

// Disable marks the device as taken out of service. Later ticks keep
// counting seconds_in_error; a successful Observe re-enables it.
func (t *Tracker) Disable() Snapshot {
	t.snap.Health = HealthDisabled
	return t.snap
}

// ErrorCode extracts the status code recorded for err.
// Errors that expose Code() report it verbatim; anything else is classified
// through device.KindOf.
func ErrorCode(err error) uint16 {
	if err == nil {
		return 0
	}
	type coder interface{ Code() uint16 }
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return uint16(device.KindOf(err))
}
