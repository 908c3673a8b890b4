// Package config loads and validates the agent configuration.
// Configuration comes from a YAML file with a small set of environment
// overrides (DISPENSER_API_URL, SIMULATION_MODE) so the same file can be
// deployed to simulated and real devices.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SlotPins is the relay pin pair driving one dispensing slot (BCM numbering).
type SlotPins struct {
	Forward  int `yaml:"forward"`
	Backward int `yaml:"backward"`
}

// SerialConfig describes the credential reader port.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	// DebounceMs suppresses re-reads of the same UID within this window.
	DebounceMs int64 `yaml:"debounce_ms"`
}

// ServerConfig describes the validation/reporting endpoint and its
// retry/reconnect budget.
type ServerConfig struct {
	URL                  string `yaml:"url"`
	BackupURL            string `yaml:"backup_url"`
	RequestTimeoutMs     int64  `yaml:"request_timeout_ms"`
	MaxRetryCount        int    `yaml:"max_retry_count"`
	RetryDelayMs         int64  `yaml:"retry_delay_ms"`
	ReconnectIntervalMs  int64  `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	// FallbackMode enables degraded operation (offline report queue,
	// fail-fast sends) when the reconnect budget is exhausted.
	FallbackMode bool `yaml:"fallback_mode"`
	// OfflineQueueSize bounds the number of reports buffered while offline.
	OfflineQueueSize int `yaml:"offline_queue_size"`
}

// AuthConfig holds lockout and session policy.
type AuthConfig struct {
	MaxFailedAttempts int   `yaml:"max_failed_attempts"`
	LockoutMs         int64 `yaml:"lockout_ms"`
	SessionTimeoutMs  int64 `yaml:"session_timeout_ms"`
	// AllowCachedFallback permits credentials that were recently authorized
	// online to be approved while the server is unreachable. Default off:
	// deny-by-default is the safe offline posture.
	AllowCachedFallback bool  `yaml:"allow_cached_fallback"`
	CacheMs             int64 `yaml:"cache_ms"`
	// DefaultSlot is used when the server response carries no slot.
	DefaultSlot int `yaml:"default_slot"`
}

// HardwareConfig holds the relay map and actuation timings.
type HardwareConfig struct {
	Simulation bool             `yaml:"simulation"`
	GPIOChip   string           `yaml:"gpio_chip"`
	RelayPins  map[int]SlotPins `yaml:"relay_pins"`
	// ServoPulseMs is how long a relay is energized for one pulse.
	ServoPulseMs int64 `yaml:"servo_pulse_ms"`
	// SettleMs separates the forward and backward pulse of one cycle.
	SettleMs int64 `yaml:"settle_ms"`
	// SlotDelayMs is held after actuation before the hardware lock is released.
	SlotDelayMs int64 `yaml:"slot_delay_ms"`
	// DispenseTimeoutMs bounds one dispense call end to end.
	DispenseTimeoutMs int64 `yaml:"dispense_timeout_ms"`
}

// HealthConfig holds monitoring thresholds.
type HealthConfig struct {
	CheckIntervalMs      int64   `yaml:"check_interval_ms"`
	MemoryThreshold      float64 `yaml:"memory_threshold"`
	CPUThreshold         float64 `yaml:"cpu_threshold"`
	TemperatureThreshold float64 `yaml:"temperature_threshold"`
	// AutoRecovery makes a health-critical halt exit the process so the
	// service supervisor restarts it. Without it the agent stays halted.
	AutoRecovery bool `yaml:"auto_recovery"`
}

// MQTTConfig holds optional telemetry settings. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	HeartbeatMs int64  `yaml:"heartbeat_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config is the full agent configuration. Loaded once at startup and
// treated as immutable afterwards.
type Config struct {
	Serial       SerialConfig   `yaml:"serial"`
	Server       ServerConfig   `yaml:"server"`
	Auth         AuthConfig     `yaml:"auth"`
	Hardware     HardwareConfig `yaml:"hardware"`
	Health       HealthConfig   `yaml:"health"`
	MQTT         MQTTConfig     `yaml:"mqtt"`
	Log          LogConfig      `yaml:"log"`
	HTTPAddr     string         `yaml:"http_addr"`
	DeviceIDFile string         `yaml:"device_id_file"`
}

// Default returns the configuration used when keys are absent. Values match
// the reference deployment: three slots, 800ms pulses, 5 retries with 10s
// delay, 30s reconnect probes, 10 minute lockout.
func Default() Config {
	return Config{
		Serial: SerialConfig{
			Port:       "/dev/ttyACM0",
			Baud:       9600,
			DebounceMs: 2000,
		},
		Server: ServerConfig{
			URL:                  "http://localhost:3000/dispenser",
			RequestTimeoutMs:     15000,
			MaxRetryCount:        5,
			RetryDelayMs:         10000,
			ReconnectIntervalMs:  30000,
			MaxReconnectAttempts: 10,
			FallbackMode:         true,
			OfflineQueueSize:     50,
		},
		Auth: AuthConfig{
			MaxFailedAttempts: 3,
			LockoutMs:         600000,
			SessionTimeoutMs:  300000,
			CacheMs:           60000,
			DefaultSlot:       1,
		},
		Hardware: HardwareConfig{
			GPIOChip: "gpiochip0",
			RelayPins: map[int]SlotPins{
				1: {Forward: 17, Backward: 18},
				2: {Forward: 22, Backward: 23},
				3: {Forward: 24, Backward: 25},
			},
			ServoPulseMs:      800,
			SettleMs:          300,
			SlotDelayMs:       500,
			DispenseTimeoutMs: 15000,
		},
		Health: HealthConfig{
			CheckIntervalMs:      60000,
			MemoryThreshold:      85,
			CPUThreshold:         90,
			TemperatureThreshold: 70,
			AutoRecovery:         true,
		},
		MQTT: MQTTConfig{
			HeartbeatMs: 900000,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
		HTTPAddr:     ":8090",
		DeviceIDFile: "device_id.txt",
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and validates the result. A missing file is not an error;
// defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DISPENSER_API_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("DISPENSER_BACKUP_URL"); v != "" {
		cfg.Server.BackupURL = v
	}
	if v := os.Getenv("SIMULATION_MODE"); v != "" {
		cfg.Hardware.Simulation = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate rejects configurations the device must not enter service with.
// Pin conflicts are fatal: an ambiguous hardware map can actuate the wrong
// slot.
func (c Config) Validate() error {
	if len(c.Hardware.RelayPins) == 0 {
		return fmt.Errorf("config: no relay pins configured")
	}

	seen := map[int]int{} // pin -> slot
	for slot, pins := range c.Hardware.RelayPins {
		if slot < 1 {
			return fmt.Errorf("config: invalid slot id %d (must be >= 1)", slot)
		}
		if pins.Forward == pins.Backward {
			return fmt.Errorf("config: slot %d forward and backward pins are both %d", slot, pins.Forward)
		}
		for _, pin := range []int{pins.Forward, pins.Backward} {
			if pin < 0 {
				return fmt.Errorf("config: slot %d has negative pin %d", slot, pin)
			}
			if other, dup := seen[pin]; dup {
				return fmt.Errorf("config: pin %d assigned to both slot %d and slot %d", pin, other, slot)
			}
			seen[pin] = slot
		}
	}

	if _, ok := c.Hardware.RelayPins[c.Auth.DefaultSlot]; !ok {
		return fmt.Errorf("config: default_slot %d has no relay pins", c.Auth.DefaultSlot)
	}

	for name, ms := range map[string]int64{
		"servo_pulse_ms":      c.Hardware.ServoPulseMs,
		"dispense_timeout_ms": c.Hardware.DispenseTimeoutMs,
		"request_timeout_ms":  c.Server.RequestTimeoutMs,
		"lockout_ms":          c.Auth.LockoutMs,
		"session_timeout_ms":  c.Auth.SessionTimeoutMs,
		"check_interval_ms":   c.Health.CheckIntervalMs,
	} {
		if ms <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", name, ms)
		}
	}
	for name, ms := range map[string]int64{
		"settle_ms":     c.Hardware.SettleMs,
		"slot_delay_ms": c.Hardware.SlotDelayMs,
		"retry_delay_ms": c.Server.RetryDelayMs,
	} {
		if ms < 0 {
			return fmt.Errorf("config: %s must not be negative, got %d", name, ms)
		}
	}

	if c.Server.URL == "" {
		return fmt.Errorf("config: server url is required")
	}
	if c.Server.MaxRetryCount < 1 {
		return fmt.Errorf("config: max_retry_count must be >= 1, got %d", c.Server.MaxRetryCount)
	}
	if c.Auth.MaxFailedAttempts < 1 {
		return fmt.Errorf("config: max_failed_attempts must be >= 1, got %d", c.Auth.MaxFailedAttempts)
	}
	return nil
}

// Duration helpers. YAML carries integer milliseconds (SD-card friendly
// configs are edited by hand; bare integers beat duration strings there).

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (c SerialConfig) Debounce() time.Duration       { return ms(c.DebounceMs) }
func (c ServerConfig) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMs) }
func (c ServerConfig) RetryDelay() time.Duration     { return ms(c.RetryDelayMs) }
func (c ServerConfig) ReconnectInterval() time.Duration {
	return ms(c.ReconnectIntervalMs)
}
func (c AuthConfig) Lockout() time.Duration            { return ms(c.LockoutMs) }
func (c AuthConfig) SessionTimeout() time.Duration     { return ms(c.SessionTimeoutMs) }
func (c AuthConfig) Cache() time.Duration              { return ms(c.CacheMs) }
func (c HardwareConfig) ServoPulse() time.Duration     { return ms(c.ServoPulseMs) }
func (c HardwareConfig) Settle() time.Duration         { return ms(c.SettleMs) }
func (c HardwareConfig) SlotDelay() time.Duration      { return ms(c.SlotDelayMs) }
func (c HardwareConfig) DispenseTimeout() time.Duration {
	return ms(c.DispenseTimeoutMs)
}
func (c HealthConfig) CheckInterval() time.Duration { return ms(c.CheckIntervalMs) }
func (c MQTTConfig) Heartbeat() time.Duration       { return ms(c.HeartbeatMs) }
