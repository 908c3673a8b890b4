// Package api is the HTTP client for the dispenser server: credential
// verification and dispense-result reporting with bounded retries, a
// background reconnect loop, and a fallback mode that fails fast while
// the server is unreachable.
package api

import (
	"errors"
	"sync"
	"time"
)

// Mode is the client's view of server reachability.
type Mode string

const (
	// ModeOnline: last delivery succeeded, sends go straight through.
	ModeOnline Mode = "ONLINE"
	// ModeRetrying: deliveries failing, reconnect loop probing within budget.
	ModeRetrying Mode = "RETRYING"
	// ModeFallback: reconnect budget exhausted, sends fail fast until a
	// probe succeeds.
	ModeFallback Mode = "FALLBACK"
)

// ErrOffline is returned by sends while the client is in fallback mode.
var ErrOffline = errors.New("api: offline, fallback mode")

// Status is a snapshot of the network state. Single writer (the client),
// many readers.
type Status struct {
	Mode                Mode
	ConsecutiveFailures int
	LastAttempt         time.Time
	ActiveServer        string // "primary" or "backup"
	FailoverCount       int
}

// statusTracker guards Status behind an RWMutex.
type statusTracker struct {
	mu sync.RWMutex
	s  Status
}

func newStatusTracker() *statusTracker {
	return &statusTracker{s: Status{Mode: ModeOnline, ActiveServer: serverPrimary}}
}

func (t *statusTracker) snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.s
}

// markSuccess restores Online and zeroes the failure counter. Any
// successful delivery does this immediately, independent of the
// reconnect loop's cadence.
func (t *statusTracker) markSuccess(at time.Time) {
	t.mu.Lock()
	t.s.Mode = ModeOnline
	t.s.ConsecutiveFailures = 0
	t.s.LastAttempt = at
	t.mu.Unlock()
}

func (t *statusTracker) markFailure(at time.Time) {
	t.mu.Lock()
	t.s.ConsecutiveFailures++
	t.s.LastAttempt = at
	if t.s.Mode == ModeOnline {
		t.s.Mode = ModeRetrying
	}
	t.mu.Unlock()
}

func (t *statusTracker) enterFallback() {
	t.mu.Lock()
	if t.s.Mode != ModeFallback {
		t.s.Mode = ModeFallback
	}
	t.mu.Unlock()
}

func (t *statusTracker) mode() Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.s.Mode
}

func (t *statusTracker) setActive(server string) {
	t.mu.Lock()
	if t.s.ActiveServer != server {
		t.s.ActiveServer = server
		if server == serverBackup {
			t.s.FailoverCount++
		}
	}
	t.mu.Unlock()
}

func (t *statusTracker) active() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.s.ActiveServer
}
