// internal/poller/types.go
package poller

import "time"

// PollResult is a snapshot produced by one poll cycle.
type PollResult struct {
	DeviceID string
	Model    string
	At       time.Time

	// Readings is nil unless the whole cycle succeeded.
	Readings map[string]float64
	Err      error // non-nil means the poll cycle failed
}
