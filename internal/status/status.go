// Package status provides a thread-safe status tracker for the
// dispenser agent. It is read by the HTTP status server and the MQTT
// telemetry publisher.
package status

import (
	"sync"
	"time"
)

// HealthInfo is the last health sample. Local copy to avoid importing
// internal/health from status.
type HealthInfo struct {
	At            time.Time
	MemoryPercent float64
	CPUPercent    float64
	Temperature   float64
}

// Counters are monotonic counts since startup.
type Counters struct {
	Scans            int
	AuthAuthorized   int
	AuthDenied       int
	AuthLocked       int
	Dispenses        int
	DispenseFailures int
	ReportsSent      int
	ReportsQueued    int
}

// Config contains agent configuration for display.
type Config struct {
	APIURL     string
	Broker     string
	HTTPAddr   string
	Simulation bool
	Slots      int
}

// Snapshot is a point-in-time view of agent state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	DeviceID      string
	State         string
	NetworkMode   string
	ActiveServer  string
	Counters      Counters
	Health        *HealthInfo
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the agent started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable agent state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(deviceID string, startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			DeviceID:  deviceID,
			State:     "IDLE",
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetState records the controller state.
func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	t.snap.State = state
	t.mu.Unlock()
}

// SetNetwork records the network mode and active server.
func (t *Tracker) SetNetwork(mode, server string) {
	t.mu.Lock()
	t.snap.NetworkMode = mode
	t.snap.ActiveServer = server
	t.mu.Unlock()
}

// SetHealth records the latest health sample.
func (t *Tracker) SetHealth(info HealthInfo) {
	t.mu.Lock()
	t.snap.Health = &info
	t.mu.Unlock()
}

// SetMQTTConnected sets the telemetry connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// AddScan counts one accepted scan event.
func (t *Tracker) AddScan() {
	t.mu.Lock()
	t.snap.Counters.Scans++
	t.mu.Unlock()
}

// AddAuthResult counts one authentication outcome.
func (t *Tracker) AddAuthResult(kind string) {
	t.mu.Lock()
	switch kind {
	case "AUTHORIZED":
		t.snap.Counters.AuthAuthorized++
	case "LOCKED":
		t.snap.Counters.AuthLocked++
	default:
		t.snap.Counters.AuthDenied++
	}
	t.mu.Unlock()
}

// AddDispense counts one dispense outcome.
func (t *Tracker) AddDispense(ok bool) {
	t.mu.Lock()
	if ok {
		t.snap.Counters.Dispenses++
	} else {
		t.snap.Counters.DispenseFailures++
	}
	t.mu.Unlock()
}

// AddReport counts one outcome report, sent or queued.
func (t *Tracker) AddReport(sent bool) {
	t.mu.Lock()
	if sent {
		t.snap.Counters.ReportsSent++
	} else {
		t.snap.Counters.ReportsQueued++
	}
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the agent state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
