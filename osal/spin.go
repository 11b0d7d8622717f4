package osal

import "periphcore-go/errcode"

// DefaultSpinLimit bounds busy-flag polling when a driver config leaves it at zero.
const DefaultSpinLimit = 1 << 20

// SpinLimit normalises a configured limit: 0 selects DefaultSpinLimit and a
// negative value means unbounded.
func SpinLimit(configured int) int {
	if configured == 0 {
		return DefaultSpinLimit
	}
	return configured
}

// Spin polls done until it reports true. With limit > 0 it gives up after
// limit polls and returns errcode.Wedged; with limit < 0 it never gives up.
func Spin(limit int, done func() bool) error {
	for i := 0; limit < 0 || i < limit; i++ {
		if done() {
			return nil
		}
	}
	return errcode.Wedged
}
