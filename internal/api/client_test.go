package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig(primary string) Config {
	return Config{
		PrimaryURL:           primary,
		DeviceID:             "RPI_TESTDEV1",
		RequestTimeout:       time.Second,
		MaxRetryCount:        3,
		RetryDelay:           time.Millisecond,
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 3,
		FallbackEnabled:      true,
		QueueSize:            10,
	}
}

func newTestClient(cfg Config) *Client {
	c := NewClient(cfg, zap.NewNop())
	c.now = func() time.Time {
		return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	}
	return c
}

func TestVerifySendsCredential(t *testing.T) {
	var gotReq VerifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify-uid" {
			t.Errorf("path: got %q, want /verify-uid", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(VerifyResponse{Status: "ok", Slot: 2, Dose: 1})
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	resp, err := c.Verify(context.Background(), "04A1B2C3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotReq.UID != "04A1B2C3" {
		t.Errorf("uid: got %q, want %q", gotReq.UID, "04A1B2C3")
	}
	if gotReq.MachineID != "RPI_TESTDEV1" {
		t.Errorf("m_uid: got %q, want %q", gotReq.MachineID, "RPI_TESTDEV1")
	}
	if gotReq.Timestamp != "2026-08-01T12:00:00Z" {
		t.Errorf("timestamp: got %q", gotReq.Timestamp)
	}
	if !resp.Approved() || resp.Slot != 2 || resp.Dose != 1 {
		t.Errorf("response: got %+v", resp)
	}
}

func TestVerifyDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VerifyResponse{Status: "denied"})
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	resp, err := c.Verify(context.Background(), "04A1B2C3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Approved() {
		t.Error("denied response reported as approved")
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(VerifyResponse{Status: "ok"})
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	if _, err := c.Verify(context.Background(), "04A1B2C3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("attempts: got %d, want 3", got)
	}
	st := c.Status()
	if st.Mode != ModeOnline {
		t.Errorf("mode: got %s, want %s", st.Mode, ModeOnline)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("failures: got %d, want 0", st.ConsecutiveFailures)
	}
}

func TestSendRetryBudgetExhausted(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	if _, err := c.Verify(context.Background(), "04A1B2C3"); err == nil {
		t.Fatal("expected error after retry budget exhausted")
	}

	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("attempts: got %d, want exactly 3", got)
	}
	st := c.Status()
	if st.Mode != ModeRetrying {
		t.Errorf("mode: got %s, want %s", st.Mode, ModeRetrying)
	}
	if st.ConsecutiveFailures != 3 {
		t.Errorf("failures: got %d, want 3", st.ConsecutiveFailures)
	}
}

func TestFallbackFailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	c.status.enterFallback()

	_, err := c.Verify(context.Background(), "04A1B2C3")
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("err: got %v, want %v", err, ErrOffline)
	}
	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Errorf("fallback must not hit the server, got %d requests", got)
	}
}

func TestReportResultQueuesWhenUnreachable(t *testing.T) {
	c := newTestClient(testConfig("http://127.0.0.1:1")) // nothing listening
	c.cfg.MaxRetryCount = 1

	rep := Report{UID: "04A1B2C3", Slot: 1, Outcome: "SUCCESS", DurationMS: 1900}
	if err := c.ReportResult(context.Background(), rep); err != nil {
		t.Fatalf("queued report must not surface an error, got %v", err)
	}
	if got := c.QueuedReports(); got != 1 {
		t.Errorf("queued: got %d, want 1", got)
	}
}

func TestReportResultErrorsWithoutFallback(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.FallbackEnabled = false
	cfg.MaxRetryCount = 1
	c := newTestClient(cfg)

	err := c.ReportResult(context.Background(), Report{UID: "04A1B2C3"})
	if err == nil {
		t.Fatal("expected delivery error with fallback disabled")
	}
	if got := c.QueuedReports(); got != 0 {
		t.Errorf("queued: got %d, want 0", got)
	}
}

// tickAndSettle delivers n ticks to a running RunReconnect loop. The
// unbuffered channel sequences the loop: tick n+1 is only accepted after
// tick n was fully processed, and the final drain tick guarantees the
// last real tick's work is visible before the caller asserts.
func tickAndSettle(tick chan time.Time, n int) {
	for i := 0; i < n+1; i++ {
		tick <- time.Time{}
	}
}

func TestRunReconnectEntersFallback(t *testing.T) {
	c := newTestClient(testConfig("http://127.0.0.1:1"))
	c.status.markFailure(c.now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tick := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		c.RunReconnect(ctx, tick)
		close(done)
	}()

	tickAndSettle(tick, c.cfg.MaxReconnectAttempts)

	if got := c.Status().Mode; got != ModeFallback {
		t.Errorf("mode: got %s, want %s", got, ModeFallback)
	}

	cancel()
	<-done
}

func TestRunReconnectRecovers(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := newTestClient(testConfig(srv.URL))
	c.status.markFailure(c.now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tick := make(chan time.Time)
	go c.RunReconnect(ctx, tick)

	// Exhaust the budget while the server is down.
	tickAndSettle(tick, c.cfg.MaxReconnectAttempts)
	if got := c.Status().Mode; got != ModeFallback {
		t.Fatalf("mode: got %s, want %s", got, ModeFallback)
	}

	// A later successful probe restores Online even from fallback.
	up.Store(true)
	tickAndSettle(tick, 1)
	if got := c.Status().Mode; got != ModeOnline {
		t.Errorf("mode after recovery: got %s, want %s", got, ModeOnline)
	}
}

func TestRunReconnectReplaysQueue(t *testing.T) {
	var up atomic.Bool
	var replayed []Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/dispense-result" {
			var rep Report
			json.NewDecoder(r.Body).Decode(&rep)
			replayed = append(replayed, rep)
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetryCount = 1
	c := newTestClient(cfg)

	for _, uid := range []string{"04A1B2C3", "K123"} {
		if err := c.ReportResult(context.Background(), Report{UID: uid, Outcome: "SUCCESS"}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	if got := c.QueuedReports(); got != 2 {
		t.Fatalf("queued: got %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tick := make(chan time.Time)
	go c.RunReconnect(ctx, tick)

	up.Store(true)
	tickAndSettle(tick, 1)

	if got := c.QueuedReports(); got != 0 {
		t.Errorf("queued after replay: got %d, want 0", got)
	}
	if len(replayed) != 2 || replayed[0].UID != "04A1B2C3" || replayed[1].UID != "K123" {
		t.Errorf("replayed: got %+v", replayed)
	}
}

func TestProbeFailsOverToBackup(t *testing.T) {
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(VerifyResponse{Status: "ok"})
		}
	}))
	defer backup.Close()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.BackupURL = backup.URL
	c := newTestClient(cfg)
	c.status.markFailure(c.now())

	if !c.probe(context.Background()) {
		t.Fatal("probe failed with backup available")
	}

	st := c.Status()
	if st.Mode != ModeOnline {
		t.Errorf("mode: got %s, want %s", st.Mode, ModeOnline)
	}
	if st.ActiveServer != serverBackup {
		t.Errorf("active server: got %s, want %s", st.ActiveServer, serverBackup)
	}
	if st.FailoverCount != 1 {
		t.Errorf("failover count: got %d, want 1", st.FailoverCount)
	}

	// Subsequent sends go to the backup.
	if _, err := c.Verify(context.Background(), "04A1B2C3"); err != nil {
		t.Errorf("verify via backup: %v", err)
	}
}

func TestProbePrefersRecoveredPrimary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backup.Close()

	cfg := testConfig(primary.URL)
	cfg.BackupURL = backup.URL
	c := newTestClient(cfg)
	c.status.setActive(serverBackup)
	c.status.markFailure(c.now())

	if !c.probe(context.Background()) {
		t.Fatal("probe failed with primary available")
	}
	if got := c.Status().ActiveServer; got != serverPrimary {
		t.Errorf("active server: got %s, want %s", got, serverPrimary)
	}
}
