// Package relay drives the slot relay pins with hardware abstraction.
// The real driver uses the Linux GPIO character device; the sim driver
// is a timed no-op for running without hardware; the fake driver records
// pin writes for tests.
//
// All actuation goes through Bank, which owns the single device-wide
// hardware lock: no two dispense cycles ever overlap, and every exit
// path returns the pins to the de-energized rest state.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome classifies one dispense attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeHardwareFault Outcome = "HARDWARE_FAULT"
	OutcomeTimeout       Outcome = "TIMEOUT"
	OutcomeBusy          Outcome = "BUSY"
)

// ErrHardwareBusy is reported when a dispense is requested while another
// cycle holds the hardware lock.
var ErrHardwareBusy = errors.New("relay: hardware busy")

// Result records what one dispense call actually did. Immutable once
// returned; handed to the server reporter and then retained only in logs.
type Result struct {
	Slot     int
	Dose     int
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// Ok reports whether the dispense completed.
func (r Result) Ok() bool { return r.Outcome == OutcomeSuccess }

// PinPair is the forward/backward relay pins of one slot (BCM numbering).
type PinPair struct {
	Forward  int
	Backward int
}

// Timings are the fixed actuation durations for every slot.
type Timings struct {
	// Pulse is how long a relay stays energized in one pulse.
	Pulse time.Duration
	// Settle separates the forward and backward pulse of a cycle.
	Settle time.Duration
	// SlotDelay is held after the last pulse before the lock is released.
	SlotDelay time.Duration
	// Timeout bounds one dispense call end to end.
	Timeout time.Duration
}

// PinDriver sets a single relay output pin. Implementations must leave
// pins de-energized on Close.
type PinDriver interface {
	SetPin(pin int, energized bool) error
	Close() error
}

// Actuator is the narrow interface the controller depends on.
type Actuator interface {
	// Dispense runs one actuation cycle for the slot. It blocks for the
	// configured pulse timings and never runs concurrently with another
	// call: a second caller gets OutcomeBusy immediately.
	Dispense(ctx context.Context, slot, dose int) Result

	// RestAll de-energizes every configured pin.
	RestAll() error
}

// Bank drives the configured slots through a PinDriver.
type Bank struct {
	drv  PinDriver
	pins map[int]PinPair
	t    Timings
	log  *zap.Logger

	// mu is the device-wide hardware lock. Non-reentrant, single holder.
	mu sync.Mutex
}

// NewBank creates a Bank over the given driver. The pin map is not
// copied; it is immutable after config load.
func NewBank(drv PinDriver, pins map[int]PinPair, t Timings, log *zap.Logger) *Bank {
	return &Bank{drv: drv, pins: pins, t: t, log: log}
}

// Dispense energizes the slot's forward pin for the pulse duration,
// settles, then runs the backward pulse, once per dose. The slot delay
// is held before the hardware lock is released so back-to-back cycles
// cannot overlap mechanically.
func (b *Bank) Dispense(ctx context.Context, slot, dose int) Result {
	pins, ok := b.pins[slot]
	if !ok {
		return Result{
			Slot: slot, Dose: dose,
			Outcome: OutcomeHardwareFault,
			Err:     errors.New("relay: unknown slot"),
		}
	}
	if dose < 1 {
		dose = 1
	}

	if !b.mu.TryLock() {
		b.log.Warn("dispense rejected, hardware busy", zap.Int("slot", slot))
		return Result{Slot: slot, Dose: dose, Outcome: OutcomeBusy, Err: ErrHardwareBusy}
	}
	defer b.mu.Unlock()

	start := time.Now()
	deadline := start.Add(b.t.Timeout)
	res := b.cycle(ctx, pins, slot, dose, deadline)
	res.Duration = time.Since(start)

	if res.Outcome != OutcomeSuccess {
		// Force rest state before returning control. Errors here are
		// logged only: the caller already has a failure to report.
		if err := b.rest(pins); err != nil {
			b.log.Error("rest state after failed dispense", zap.Int("slot", slot), zap.Error(err))
		}
	}

	// Inter-slot delay is part of the locked region.
	sleep(context.Background(), b.t.SlotDelay)
	return res
}

func (b *Bank) cycle(ctx context.Context, pins PinPair, slot, dose int, deadline time.Time) Result {
	res := Result{Slot: slot, Dose: dose}

	for i := 0; i < dose; i++ {
		if i > 0 {
			if err := b.wait(ctx, b.t.SlotDelay, deadline); err != nil {
				return timedOut(res, err)
			}
		}
		if err := b.pulse(ctx, pins.Forward, deadline); err != nil {
			return failed(res, err)
		}
		if err := b.wait(ctx, b.t.Settle, deadline); err != nil {
			return timedOut(res, err)
		}
		if err := b.pulse(ctx, pins.Backward, deadline); err != nil {
			return failed(res, err)
		}
	}

	res.Outcome = OutcomeSuccess
	return res
}

// pulse energizes one pin for the pulse duration and always attempts to
// de-energize it again, even when the wait was cut short.
func (b *Bank) pulse(ctx context.Context, pin int, deadline time.Time) error {
	if err := b.drv.SetPin(pin, true); err != nil {
		return err
	}
	waitErr := b.wait(ctx, b.t.Pulse, deadline)
	if err := b.drv.SetPin(pin, false); err != nil {
		return err
	}
	return waitErr
}

func (b *Bank) wait(ctx context.Context, d time.Duration, deadline time.Time) error {
	if remaining := time.Until(deadline); d > remaining {
		sleep(ctx, remaining)
		return context.DeadlineExceeded
	}
	return sleep(ctx, d)
}

func failed(res Result, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timedOut(res, err)
	}
	res.Outcome = OutcomeHardwareFault
	res.Err = err
	return res
}

func timedOut(res Result, err error) Result {
	res.Outcome = OutcomeTimeout
	res.Err = err
	return res
}

func (b *Bank) rest(pins PinPair) error {
	var errs []error
	for _, pin := range []int{pins.Forward, pins.Backward} {
		if err := b.drv.SetPin(pin, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestAll de-energizes every configured pin. Used on halt and shutdown;
// safe to call while no dispense is running.
func (b *Bank) RestAll() error {
	var errs []error
	for _, pins := range b.pins {
		if err := b.rest(pins); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close rests all pins and releases the driver.
func (b *Bank) Close() error {
	restErr := b.RestAll()
	closeErr := b.drv.Close()
	return errors.Join(restErr, closeErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
