package relay

import "sync"

// PinWrite records one SetPin call.
type PinWrite struct {
	Pin       int
	Energized bool
}

// FakeDriver records pin writes for test assertions.
type FakeDriver struct {
	mu sync.Mutex

	// Writes contains every SetPin call in order.
	Writes []PinWrite

	// FailPin, if non-zero, makes SetPin return FailErr when energizing
	// that pin.
	FailPin int

	// FailErr is the error returned for FailPin writes.
	FailErr error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeDriver creates a FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// SetPin records the write, failing if scripted to.
func (d *FakeDriver) SetPin(pin int, energized bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if energized && pin == d.FailPin && d.FailErr != nil {
		return d.FailErr
	}
	d.Writes = append(d.Writes, PinWrite{Pin: pin, Energized: energized})
	return nil
}

// Close marks the driver as closed.
func (d *FakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// WritesSnapshot returns a copy of the recorded writes.
func (d *FakeDriver) WritesSnapshot() []PinWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PinWrite, len(d.Writes))
	copy(out, d.Writes)
	return out
}

// Energized reports whether the last write to pin left it energized.
func (d *FakeDriver) Energized(pin int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := false
	for _, w := range d.Writes {
		if w.Pin == pin {
			state = w.Energized
		}
	}
	return state
}
