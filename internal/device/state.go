// internal/device/state.go
package device

// State is the handle lifecycle position.
// Created -> OptionsLocked -> Initialized. Closed is reached only through Close.
type State uint8

const (
	StateCreated State = iota
	StateOptionsLocked
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOptionsLocked:
		return "options-locked"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
