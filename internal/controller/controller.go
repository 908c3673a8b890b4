// Package controller implements the supervisory state machine that
// sequences credential intake, authentication, dispense actuation, and
// outcome reporting.
//
// One cycle runs at a time: Idle -> Authenticating -> Dispensing ->
// Reporting -> Idle, with Locked and Halted as side states. Scans that
// arrive mid-cycle are dropped by the reader's non-blocking send, never
// queued. No transition both authenticates and actuates hardware.
package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mhkim/dispenser-agent/internal/auth"
	"github.com/mhkim/dispenser-agent/internal/reader"
	"github.com/mhkim/dispenser-agent/internal/relay"
	"github.com/mhkim/dispenser-agent/internal/status"
	"github.com/mhkim/dispenser-agent/internal/telemetry"
)

// State is the controller's position in the dispense cycle.
type State string

const (
	StateIdle           State = "IDLE"
	StateAuthenticating State = "AUTHENTICATING"
	StateDispensing     State = "DISPENSING"
	StateReporting      State = "REPORTING"
	StateLocked         State = "LOCKED"
	StateHalted         State = "HALTED"
)

// ErrHaltRestart is returned by Run when a health-critical halt occurs
// with auto-recovery enabled: the process should exit and let the
// service supervisor restart it.
var ErrHaltRestart = errors.New("controller: halted, restart requested")

// Authenticator evaluates credentials and tracks session expiry.
type Authenticator interface {
	Evaluate(ctx context.Context, uid string) auth.Decision
	Authorized(uid string, at time.Time) bool
	Conclude(uid string)
}

// Reporter delivers dispense outcomes to the server.
type Reporter interface {
	Report(ctx context.Context, uid string, res relay.Result) error
}

// Controller drives one scan-to-report cycle at a time.
type Controller struct {
	auth    Authenticator
	act     relay.Actuator
	rep     Reporter
	tracker *status.Tracker
	pub     telemetry.Publisher
	log     *zap.Logger
	now     func() time.Time

	deviceID     string
	autoRecovery bool

	// state is owned by the Run goroutine; other goroutines communicate
	// through the critical channel only.
	state       State
	lockedUID   string
	lockedUntil time.Time

	critical chan string
}

// New creates a Controller in the Idle state.
func New(a Authenticator, act relay.Actuator, rep Reporter, tracker *status.Tracker,
	pub telemetry.Publisher, deviceID string, autoRecovery bool, log *zap.Logger) *Controller {
	return &Controller{
		auth:         a,
		act:          act,
		rep:          rep,
		tracker:      tracker,
		pub:          pub,
		log:          log,
		now:          time.Now,
		deviceID:     deviceID,
		autoRecovery: autoRecovery,
		state:        StateIdle,
		critical:     make(chan string, 1),
	}
}

// State returns the current state. Meaningful from the Run goroutine
// and from tests; concurrent observers read the status tracker instead.
func (c *Controller) State() State { return c.state }

// HealthCritical signals a health threshold violation. Safe from any
// goroutine; duplicate signals while one is pending are merged.
func (c *Controller) HealthCritical(reason string) {
	select {
	case c.critical <- reason:
	default:
	}
}

// Run processes scans until the scan channel closes or ctx is
// cancelled. The tick channel drives time-based transitions (lockout
// expiry); a one-second ticker is fine.
//
// Returns ErrHaltRestart after a health-critical halt when auto-recovery
// is enabled; otherwise the controller stays halted, dropping scans,
// until shutdown.
func (c *Controller) Run(ctx context.Context, scans <-chan reader.Scan, tick <-chan time.Time) error {
	for {
		// Health signals outrank everything else pending.
		select {
		case reason := <-c.critical:
			if err := c.halt(reason); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil

		case reason := <-c.critical:
			if err := c.halt(reason); err != nil {
				return err
			}

		case <-tick:
			c.tickLocked()

		case scan, ok := <-scans:
			if !ok {
				return nil
			}
			c.handleScan(ctx, scan)
		}
	}
}

// tickLocked auto-returns Locked to Idle once the lockout window has
// elapsed.
func (c *Controller) tickLocked() {
	if c.state == StateLocked && !c.now().Before(c.lockedUntil) {
		c.log.Info("lockout window elapsed", zap.String("uid", c.lockedUID))
		c.setState(StateIdle)
		c.lockedUID = ""
	}
}

// handleScan runs one full cycle synchronously. Valid only from Idle;
// anything else drops the scan with a log line.
func (c *Controller) handleScan(ctx context.Context, scan reader.Scan) {
	switch c.state {
	case StateHalted:
		c.log.Warn("halted, scan dropped", zap.String("uid", scan.UID))
		return
	case StateLocked:
		if c.now().Before(c.lockedUntil) {
			c.log.Warn("locked, scan dropped", zap.String("uid", scan.UID))
			return
		}
		c.setState(StateIdle)
	case StateIdle:
	default:
		// Mid-cycle scans are normally dropped by the reader's
		// non-blocking send; this is the backstop.
		c.log.Warn("cycle in progress, scan dropped",
			zap.String("uid", scan.UID), zap.String("state", string(c.state)))
		return
	}

	c.tracker.AddScan()
	c.log.Info("scan received", zap.String("uid", scan.UID))

	c.setState(StateAuthenticating)
	dec := c.auth.Evaluate(ctx, scan.UID)
	c.tracker.AddAuthResult(string(dec.Kind))

	switch dec.Kind {
	case auth.DecisionDenied:
		c.log.Info("scan denied", zap.String("uid", scan.UID), zap.String("reason", dec.Reason))
		c.setState(StateIdle)
		return

	case auth.DecisionLocked:
		c.log.Warn("credential locked", zap.String("uid", scan.UID),
			zap.Duration("retry_after", dec.RetryAfter))
		c.lockedUID = scan.UID
		c.lockedUntil = c.now().Add(dec.RetryAfter)
		c.setState(StateLocked)
		return

	case auth.DecisionAuthorized:
		// fall through to dispense
	default:
		c.log.Error("unknown decision", zap.String("kind", string(dec.Kind)))
		c.setState(StateIdle)
		return
	}

	c.setState(StateDispensing)

	// Authorization may have expired between approval and actuation;
	// a revoked session means a fresh scan is required.
	if !c.auth.Authorized(scan.UID, c.now()) {
		c.log.Warn("authorization expired before dispense", zap.String("uid", scan.UID))
		c.auth.Conclude(scan.UID)
		c.setState(StateIdle)
		return
	}

	res := c.act.Dispense(ctx, dec.Slot, dec.Dose)
	c.tracker.AddDispense(res.Ok())
	if res.Ok() {
		c.log.Info("dispense complete", zap.Int("slot", res.Slot),
			zap.Duration("duration", res.Duration))
	} else {
		c.log.Error("dispense failed", zap.Int("slot", res.Slot),
			zap.String("outcome", string(res.Outcome)), zap.Error(res.Err))
	}

	// Failure is reported too; the transition to Reporting is
	// unconditional.
	c.setState(StateReporting)
	if err := c.rep.Report(ctx, scan.UID, res); err != nil {
		// Reporting failure does not block returning to service.
		c.log.Warn("outcome report failed", zap.String("uid", scan.UID), zap.Error(err))
		c.tracker.AddReport(false)
	} else {
		c.tracker.AddReport(true)
	}

	if err := c.pub.Publish(telemetry.Event{
		Timestamp: c.now(),
		DeviceID:  c.deviceID,
		UID:       scan.UID,
		Slot:      res.Slot,
		Outcome:   string(res.Outcome),
		Duration:  res.Duration,
	}); err != nil {
		c.log.Debug("telemetry publish failed", zap.Error(err))
	}

	c.auth.Conclude(scan.UID)
	c.onReportDone()
}

// onReportDone closes the cycle. Idempotent: a second call for the same
// cycle finds the controller already Idle and does nothing.
func (c *Controller) onReportDone() {
	if c.state != StateReporting {
		return
	}
	c.setState(StateIdle)
}

// halt enters the Halted state: relays are de-energized before anything
// else, and no further credentials are accepted. With auto-recovery the
// run loop returns ErrHaltRestart so the supervisor restarts the
// process; otherwise the controller stays halted until shutdown.
func (c *Controller) halt(reason string) error {
	if c.state == StateHalted {
		return nil
	}
	c.log.Error("health critical, halting", zap.String("reason", reason))
	c.setState(StateHalted)

	if err := c.act.RestAll(); err != nil {
		c.log.Error("rest state on halt", zap.Error(err))
	}

	if err := c.pub.PublishSystem(telemetry.SystemEvent{
		Timestamp: c.now(),
		Event:     "HALTED",
		Reason:    reason,
		Retained:  true,
	}); err != nil {
		c.log.Debug("halt telemetry failed", zap.Error(err))
	}

	if c.autoRecovery {
		return ErrHaltRestart
	}
	return nil
}

func (c *Controller) setState(s State) {
	c.state = s
	c.tracker.SetState(string(s))
}
