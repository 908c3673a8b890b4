//go:build !linux

package relay

import "errors"

// RealDriver is not available on non-Linux platforms.
type RealDriver struct{}

// NewRealDriver returns an error on non-Linux platforms.
func NewRealDriver(chipName string, pins map[int]PinPair) (*RealDriver, error) {
	return nil, errors.New("relay: gpio not supported on this platform (requires Linux)")
}

// SetPin is not implemented on non-Linux platforms.
func (d *RealDriver) SetPin(pin int, energized bool) error {
	return errors.New("relay: gpio not supported")
}

// Close is not implemented on non-Linux platforms.
func (d *RealDriver) Close() error {
	return nil
}
