//go:build !tinygo

package irq

// State is the saved interrupt mask. Hosted Go has no mask to save.
type State uintptr

// Disable is a no-op on hosted Go; the simulator serialises interrupt context itself.
func Disable() State {
	return 0
}

// Restore is a no-op on hosted Go.
func Restore(state State) {}
