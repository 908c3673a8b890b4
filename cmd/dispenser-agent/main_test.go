package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mhkim/dispenser-agent/internal/api"
	"github.com/mhkim/dispenser-agent/internal/config"
	"github.com/mhkim/dispenser-agent/internal/relay"
)

func TestRelayPins(t *testing.T) {
	cfg := config.Default()
	pins := relayPins(cfg)

	if len(pins) != 3 {
		t.Fatalf("slots: got %d, want 3", len(pins))
	}
	want := map[int]relay.PinPair{
		1: {Forward: 17, Backward: 18},
		2: {Forward: 22, Backward: 23},
		3: {Forward: 24, Backward: 25},
	}
	for slot, p := range want {
		if pins[slot] != p {
			t.Errorf("slot %d: got %+v, want %+v", slot, pins[slot], p)
		}
	}
}

func newAdapterClient(url string) *api.Client {
	return api.NewClient(api.Config{
		PrimaryURL:     url,
		DeviceID:       "RPI_TESTDEV1",
		RequestTimeout: time.Second,
		MaxRetryCount:  1,
	}, zap.NewNop())
}

func TestVerifierAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.VerifyResponse{Status: "ok", Slot: 3, Dose: 2})
	}))
	defer srv.Close()

	v := verifier{client: newAdapterClient(srv.URL)}
	verdict, err := v.VerifyCredential(context.Background(), "04A1B2C3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Approved || verdict.Slot != 3 || verdict.Dose != 2 {
		t.Errorf("verdict: got %+v", verdict)
	}
}

func TestVerifierAdapterNetworkError(t *testing.T) {
	v := verifier{client: newAdapterClient("http://127.0.0.1:1")}
	if _, err := v.VerifyCredential(context.Background(), "04A1B2C3"); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}

func TestReporterAdapter(t *testing.T) {
	var got api.Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dispense-result" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	rep := reporter{client: newAdapterClient(srv.URL)}
	err := rep.Report(context.Background(), "04A1B2C3", relay.Result{
		Slot:     2,
		Outcome:  relay.OutcomeSuccess,
		Duration: 1900 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.UID != "04A1B2C3" || got.Slot != 2 {
		t.Errorf("report: got %+v", got)
	}
	if got.Outcome != "SUCCESS" {
		t.Errorf("outcome: got %q", got.Outcome)
	}
	if got.DurationMS != 1900 {
		t.Errorf("duration_ms: got %d, want 1900", got.DurationMS)
	}
	if got.MachineID != "RPI_TESTDEV1" {
		t.Errorf("m_uid: got %q", got.MachineID)
	}
	if got.Timestamp == "" {
		t.Error("timestamp not set")
	}
}
