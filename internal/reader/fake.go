package reader

import "time"

// FakeSource delivers scripted scans for tests.
type FakeSource struct {
	ch chan Scan

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeSource creates a FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{ch: make(chan Scan)}
}

// Scans returns the delivery channel.
func (f *FakeSource) Scans() <-chan Scan { return f.ch }

// Emit blocks until the scan is consumed.
func (f *FakeSource) Emit(uid string, at time.Time) {
	f.ch <- Scan{UID: uid, At: at}
}

// End closes the scan channel, ending the controller's run loop.
func (f *FakeSource) End() { close(f.ch) }

// Close marks the source closed.
func (f *FakeSource) Close() error {
	f.Closed = true
	return nil
}
