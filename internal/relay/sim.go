package relay

import "go.uber.org/zap"

// SimDriver is the no-op driver selected by simulation mode. Pin writes
// are logged at debug level; all timing behavior still comes from Bank,
// so a simulated dispense takes as long as a real one.
type SimDriver struct {
	log *zap.Logger
}

// NewSimDriver creates a simulated pin driver.
func NewSimDriver(log *zap.Logger) *SimDriver {
	return &SimDriver{log: log}
}

// SetPin logs the write and succeeds.
func (d *SimDriver) SetPin(pin int, energized bool) error {
	d.log.Debug("sim pin write", zap.Int("pin", pin), zap.Bool("energized", energized))
	return nil
}

// Close is a no-op.
func (d *SimDriver) Close() error { return nil }
