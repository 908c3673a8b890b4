package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string      `json:"event,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	DeviceID      string      `json:"device_id"`
	State         string      `json:"state"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     string      `json:"start_time"`
	Timestamp     string      `json:"timestamp"`
	Network       NetworkJSON `json:"network"`
	MQTT          MQTTStatus  `json:"mqtt"`
	Counters      CountersJSON `json:"counters"`
	Health        *HealthJSON `json:"health,omitempty"`
	Config        ConfigJSON  `json:"config"`
}

// NetworkJSON reports server reachability.
type NetworkJSON struct {
	Mode         string `json:"mode"`
	ActiveServer string `json:"active_server,omitempty"`
}

// MQTTStatus reports telemetry connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker,omitempty"`
}

// CountersJSON is the JSON representation of the counters.
type CountersJSON struct {
	Scans            int `json:"scans"`
	AuthAuthorized   int `json:"auth_authorized"`
	AuthDenied       int `json:"auth_denied"`
	AuthLocked       int `json:"auth_locked"`
	Dispenses        int `json:"dispenses"`
	DispenseFailures int `json:"dispense_failures"`
	ReportsSent      int `json:"reports_sent"`
	ReportsQueued    int `json:"reports_queued"`
}

// HealthJSON is the JSON representation of the last health sample.
type HealthJSON struct {
	Timestamp     string  `json:"timestamp"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	Temperature   float64 `json:"temperature"`
}

// ConfigJSON is the JSON representation of display config.
type ConfigJSON struct {
	APIURL     string `json:"api_url"`
	Broker     string `json:"broker,omitempty"`
	HTTPAddr   string `json:"http_addr"`
	Simulation bool   `json:"simulation"`
	Slots      int    `json:"slots"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		DeviceID:      snap.DeviceID,
		State:         snap.State,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Network: NetworkJSON{
			Mode:         snap.NetworkMode,
			ActiveServer: snap.ActiveServer,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counters: CountersJSON{
			Scans:            snap.Counters.Scans,
			AuthAuthorized:   snap.Counters.AuthAuthorized,
			AuthDenied:       snap.Counters.AuthDenied,
			AuthLocked:       snap.Counters.AuthLocked,
			Dispenses:        snap.Counters.Dispenses,
			DispenseFailures: snap.Counters.DispenseFailures,
			ReportsSent:      snap.Counters.ReportsSent,
			ReportsQueued:    snap.Counters.ReportsQueued,
		},
		Config: ConfigJSON{
			APIURL:     snap.Config.APIURL,
			Broker:     snap.Config.Broker,
			HTTPAddr:   snap.Config.HTTPAddr,
			Simulation: snap.Config.Simulation,
			Slots:      snap.Config.Slots,
		},
	}

	if inner.Network.Mode == "" {
		inner.Network.Mode = "UNKNOWN"
	}

	if snap.Health != nil {
		inner.Health = &HealthJSON{
			Timestamp:     snap.Health.At.UTC().Format(time.RFC3339),
			MemoryPercent: snap.Health.MemoryPercent,
			CPUPercent:    snap.Health.CPUPercent,
			Temperature:   snap.Health.Temperature,
		}
	}

	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
