// Command dispenser-agent controls a kiosk dispensing appliance: it
// reads scanned credentials from a serial reader, validates them against
// the dispenser server, actuates the slot relays, and reports outcomes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mhkim/dispenser-agent/internal/api"
	"github.com/mhkim/dispenser-agent/internal/auth"
	"github.com/mhkim/dispenser-agent/internal/config"
	"github.com/mhkim/dispenser-agent/internal/controller"
	"github.com/mhkim/dispenser-agent/internal/health"
	"github.com/mhkim/dispenser-agent/internal/identity"
	"github.com/mhkim/dispenser-agent/internal/logging"
	"github.com/mhkim/dispenser-agent/internal/reader"
	"github.com/mhkim/dispenser-agent/internal/relay"
	"github.com/mhkim/dispenser-agent/internal/status"
	"github.com/mhkim/dispenser-agent/internal/telemetry"
	"github.com/mhkim/dispenser-agent/internal/web"
)

// exitRestart asks the service supervisor (systemd Restart=always) for
// a clean process restart after a health-critical halt.
const exitRestart = 3

func main() {
	configPath := flag.String("config", "dispenser.yaml", "Configuration file path")
	simulate := flag.Bool("simulate", false, "Force simulation mode (no GPIO, scans from stdin)")
	flag.Parse()

	// .env is optional; real deployments set env vars via the unit file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Config errors are fatal: the device must not enter service
		// with an ambiguous hardware map.
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if *simulate {
		cfg.Hardware.Simulation = true
	}

	log, err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	err = run(cfg, log)
	if errors.Is(err, controller.ErrHaltRestart) {
		log.Warn("exiting for supervisor restart")
		log.Sync()
		os.Exit(exitRestart)
	}
	if err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	deviceID, err := identity.LoadOrCreate(cfg.DeviceIDFile)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	log.Info("device identity", zap.String("m_uid", deviceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hardware: real GPIO unless simulating.
	var drv relay.PinDriver
	if cfg.Hardware.Simulation {
		drv = relay.NewSimDriver(log.Named("relay"))
	} else {
		drv, err = relay.NewRealDriver(cfg.Hardware.GPIOChip, relayPins(cfg))
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
	}
	bank := relay.NewBank(drv, relayPins(cfg), relay.Timings{
		Pulse:     cfg.Hardware.ServoPulse(),
		Settle:    cfg.Hardware.Settle(),
		SlotDelay: cfg.Hardware.SlotDelay(),
		Timeout:   cfg.Hardware.DispenseTimeout(),
	}, log.Named("relay"))
	defer bank.Close()

	// Credential source.
	var src reader.Source
	if cfg.Hardware.Simulation {
		src = reader.NewStdin(cfg.Serial.Debounce(), log.Named("reader"))
	} else {
		src, err = reader.NewSerial(cfg.Serial.Port, cfg.Serial.Baud, cfg.Serial.Debounce(), log.Named("reader"))
		if err != nil {
			return fmt.Errorf("init reader: %w", err)
		}
	}
	defer src.Close()
	if ls, ok := src.(*reader.LineSource); ok {
		go ls.Run()
	}

	// Server client and its reconnect loop.
	client := api.NewClient(api.Config{
		PrimaryURL:           cfg.Server.URL,
		BackupURL:            cfg.Server.BackupURL,
		DeviceID:             deviceID,
		RequestTimeout:       cfg.Server.RequestTimeout(),
		MaxRetryCount:        cfg.Server.MaxRetryCount,
		RetryDelay:           cfg.Server.RetryDelay(),
		ReconnectInterval:    cfg.Server.ReconnectInterval(),
		MaxReconnectAttempts: cfg.Server.MaxReconnectAttempts,
		FallbackEnabled:      cfg.Server.FallbackMode,
		QueueSize:            cfg.Server.OfflineQueueSize,
	}, log.Named("api"))

	reconnectTicker := time.NewTicker(cfg.Server.ReconnectInterval())
	defer reconnectTicker.Stop()
	go client.RunReconnect(ctx, reconnectTicker.C)

	authMgr := auth.NewManager(auth.Config{
		MaxFailedAttempts:   cfg.Auth.MaxFailedAttempts,
		LockoutDuration:     cfg.Auth.Lockout(),
		SessionTimeout:      cfg.Auth.SessionTimeout(),
		AllowCachedFallback: cfg.Auth.AllowCachedFallback,
		CacheDuration:       cfg.Auth.Cache(),
		DefaultSlot:         cfg.Auth.DefaultSlot,
	}, verifier{client}, log.Named("auth"))

	// Telemetry is optional.
	var pub telemetry.Publisher = telemetry.NopPublisher{}
	if cfg.MQTT.Broker != "" {
		real, err := telemetry.NewRealPublisher(cfg.MQTT.Broker, deviceID)
		if err != nil {
			log.Warn("telemetry unavailable", zap.Error(err))
		} else {
			pub = real
		}
	}
	defer pub.Close()

	tracker := status.NewTracker(deviceID, time.Now(), status.Config{
		APIURL:     cfg.Server.URL,
		Broker:     cfg.MQTT.Broker,
		HTTPAddr:   cfg.HTTPAddr,
		Simulation: cfg.Hardware.Simulation,
		Slots:      len(cfg.Hardware.RelayPins),
	})

	ctrl := controller.New(authMgr, bank, reporter{client}, tracker, pub,
		deviceID, cfg.Health.AutoRecovery, log.Named("controller"))

	// Health monitoring.
	monitor := health.NewMonitor(health.NewHostSampler(), health.Thresholds{
		MemoryPercent: cfg.Health.MemoryThreshold,
		CPUPercent:    cfg.Health.CPUThreshold,
		Temperature:   cfg.Health.TemperatureThreshold,
	}, log.Named("health"))
	monitor.OnSample = func(s health.Sample) {
		tracker.SetHealth(status.HealthInfo{
			At:            s.At,
			MemoryPercent: s.MemoryPercent,
			CPUPercent:    s.CPUPercent,
			Temperature:   s.Temperature,
		})
	}
	monitor.OnCritical = func(_ health.Sample, reason string) {
		ctrl.HealthCritical(reason)
	}
	healthTicker := time.NewTicker(cfg.Health.CheckInterval())
	defer healthTicker.Stop()
	go monitor.Run(ctx, healthTicker.C)

	// HTTP status server.
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("http status server listening", zap.String("addr", cfg.HTTPAddr))
	}

	// Status sync + heartbeat.
	go heartbeatLoop(ctx, cfg, tracker, client, pub, log)

	startup := telemetry.SystemEvent{
		Timestamp:  time.Now(),
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(tracker.Snapshot(), "STARTUP", ""),
	}
	if err := pub.PublishSystem(startup); err != nil {
		log.Debug("startup telemetry failed", zap.Error(err))
	}

	log.Info("started",
		zap.Bool("simulation", cfg.Hardware.Simulation),
		zap.String("server", cfg.Server.URL),
		zap.Int("slots", len(cfg.Hardware.RelayPins)))

	stateTicker := time.NewTicker(time.Second)
	defer stateTicker.Stop()

	runErr := ctrl.Run(ctx, src.Scans(), stateTicker.C)

	// Relays rest before anything else on the way out.
	if err := bank.RestAll(); err != nil {
		log.Error("rest state on shutdown", zap.Error(err))
	}

	shutdown := telemetry.SystemEvent{
		Timestamp:  time.Now(),
		Event:      "SHUTDOWN",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", ""),
	}
	if err := pub.PublishSystem(shutdown); err != nil {
		log.Debug("shutdown telemetry failed", zap.Error(err))
	}

	return runErr
}

// heartbeatLoop keeps the status tracker in sync with the network and
// telemetry state, and publishes a periodic heartbeat snapshot.
func heartbeatLoop(ctx context.Context, cfg config.Config, tracker *status.Tracker,
	client *api.Client, pub telemetry.Publisher, log *zap.Logger) {
	sync := time.NewTicker(5 * time.Second)
	defer sync.Stop()

	var heartbeat <-chan time.Time
	if hb := cfg.MQTT.Heartbeat(); hb > 0 {
		t := time.NewTicker(hb)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-sync.C:
			st := client.Status()
			tracker.SetNetwork(string(st.Mode), st.ActiveServer)
			if cs, ok := pub.(telemetry.ConnectionStatus); ok {
				tracker.SetMQTTConnected(cs.IsConnected())
			}

		case t := <-heartbeat:
			event := telemetry.SystemEvent{
				Timestamp:  t,
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", ""),
			}
			if err := pub.PublishSystem(event); err != nil {
				log.Debug("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

func relayPins(cfg config.Config) map[int]relay.PinPair {
	pins := make(map[int]relay.PinPair, len(cfg.Hardware.RelayPins))
	for slot, p := range cfg.Hardware.RelayPins {
		pins[slot] = relay.PinPair{Forward: p.Forward, Backward: p.Backward}
	}
	return pins
}

// verifier adapts the API client to the auth manager.
type verifier struct {
	client *api.Client
}

func (v verifier) VerifyCredential(ctx context.Context, uid string) (auth.Verdict, error) {
	resp, err := v.client.Verify(ctx, uid)
	if err != nil {
		return auth.Verdict{}, err
	}
	return auth.Verdict{Approved: resp.Approved(), Slot: resp.Slot, Dose: resp.Dose}, nil
}

// reporter adapts the API client to the controller.
type reporter struct {
	client *api.Client
}

func (r reporter) Report(ctx context.Context, uid string, res relay.Result) error {
	return r.client.ReportResult(ctx, api.Report{
		UID:        uid,
		Slot:       res.Slot,
		Outcome:    string(res.Outcome),
		DurationMS: res.Duration.Milliseconds(),
	})
}
