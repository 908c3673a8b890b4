package status

import (
	"encoding/json"
	"testing"
	"time"
)

func testTracker() *Tracker {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return NewTracker("RPI_TESTDEV1", start, Config{
		APIURL:   "http://server.example/api",
		HTTPAddr: ":8093",
		Slots:    3,
	})
}

func TestTrackerDefaults(t *testing.T) {
	tr := testTracker()
	snap := tr.Snapshot()

	if snap.DeviceID != "RPI_TESTDEV1" {
		t.Errorf("device id: got %q", snap.DeviceID)
	}
	if snap.State != "IDLE" {
		t.Errorf("state: got %q, want IDLE", snap.State)
	}
	if snap.Now.IsZero() {
		t.Error("snapshot Now not set")
	}
}

func TestTrackerCounters(t *testing.T) {
	tr := testTracker()

	tr.AddScan()
	tr.AddScan()
	tr.AddAuthResult("AUTHORIZED")
	tr.AddAuthResult("DENIED")
	tr.AddAuthResult("LOCKED")
	tr.AddDispense(true)
	tr.AddDispense(false)
	tr.AddReport(true)
	tr.AddReport(false)

	got := tr.Snapshot().Counters
	want := Counters{
		Scans:            2,
		AuthAuthorized:   1,
		AuthDenied:       1,
		AuthLocked:       1,
		Dispenses:        1,
		DispenseFailures: 1,
		ReportsSent:      1,
		ReportsQueued:    1,
	}
	if got != want {
		t.Errorf("counters: got %+v, want %+v", got, want)
	}
}

func TestTrackerSetters(t *testing.T) {
	tr := testTracker()

	tr.SetState("DISPENSING")
	tr.SetNetwork("RETRYING", "backup")
	tr.SetMQTTConnected(true)
	tr.SetHealth(HealthInfo{MemoryPercent: 42.5, Temperature: 51.0})

	snap := tr.Snapshot()
	if snap.State != "DISPENSING" {
		t.Errorf("state: got %q", snap.State)
	}
	if snap.NetworkMode != "RETRYING" || snap.ActiveServer != "backup" {
		t.Errorf("network: got %q/%q", snap.NetworkMode, snap.ActiveServer)
	}
	if !snap.MQTTConnected {
		t.Error("mqtt connected not recorded")
	}
	if snap.Health == nil || snap.Health.MemoryPercent != 42.5 {
		t.Errorf("health: got %+v", snap.Health)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := testTracker()
	tr.SetHealth(HealthInfo{MemoryPercent: 10})

	snap := tr.Snapshot()
	tr.SetHealth(HealthInfo{MemoryPercent: 99})

	if snap.Health.MemoryPercent != 10 {
		t.Errorf("snapshot mutated by later write: %v", snap.Health.MemoryPercent)
	}
}

func TestFormatJSON(t *testing.T) {
	tr := testTracker()
	tr.SetNetwork("ONLINE", "primary")
	tr.AddScan()

	var out StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if out.Status.DeviceID != "RPI_TESTDEV1" {
		t.Errorf("device id: got %q", out.Status.DeviceID)
	}
	if out.Status.Event != "" || out.Status.Reason != "" {
		t.Errorf("web status must carry no event, got %q/%q", out.Status.Event, out.Status.Reason)
	}
	if out.Status.Network.Mode != "ONLINE" {
		t.Errorf("network mode: got %q", out.Status.Network.Mode)
	}
	if out.Status.Counters.Scans != 1 {
		t.Errorf("scans: got %d", out.Status.Counters.Scans)
	}
	if out.Status.StartTime != "2026-08-01T12:00:00Z" {
		t.Errorf("start time: got %q", out.Status.StartTime)
	}
	if out.Status.Config.Slots != 3 {
		t.Errorf("slots: got %d", out.Status.Config.Slots)
	}
}

func TestFormatJSONUnknownNetwork(t *testing.T) {
	tr := testTracker()

	var out StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Status.Network.Mode != "UNKNOWN" {
		t.Errorf("network mode: got %q, want UNKNOWN", out.Status.Network.Mode)
	}
}

func TestFormatStatusEvent(t *testing.T) {
	tr := testTracker()

	var out StatusJSON
	data := FormatStatusEvent(tr.Snapshot(), "HEARTBEAT", "")
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.Status.Event != "HEARTBEAT" {
		t.Errorf("event: got %q, want HEARTBEAT", out.Status.Event)
	}
}
