package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	serverPrimary = "primary"
	serverBackup  = "backup"

	pathVerify = "verify-uid"
	pathReport = "dispense-result"
	pathHealth = "health"
)

// VerifyRequest is the authentication body sent per scan.
type VerifyRequest struct {
	UID       string `json:"uid"`
	MachineID string `json:"m_uid"`
	Timestamp string `json:"timestamp"`
}

// VerifyResponse is the server's decision. Status "ok" approves; the
// optional slot/dose override the device defaults. Everything else in
// the body is ignored.
type VerifyResponse struct {
	Status string `json:"status"`
	Slot   int    `json:"slot,omitempty"`
	Dose   int    `json:"dose,omitempty"`
}

// Approved reports whether the server authorized the credential.
func (r VerifyResponse) Approved() bool { return r.Status == "ok" }

// Report is the post-dispense outcome body.
type Report struct {
	UID        string `json:"uid"`
	MachineID  string `json:"m_uid"`
	Slot       int    `json:"slot"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// Config holds the client's endpoints and resilience budget.
type Config struct {
	PrimaryURL           string
	BackupURL            string
	DeviceID             string
	RequestTimeout       time.Duration
	MaxRetryCount        int
	RetryDelay           time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	FallbackEnabled      bool
	QueueSize            int
}

// Client talks to the dispenser server. All methods are safe for
// concurrent use; the reconnect loop runs as its own goroutine.
type Client struct {
	cfg    Config
	hc     *http.Client
	status *statusTracker
	queue  *reportQueue
	log    *zap.Logger
	now    func() time.Time
}

// NewClient creates a Client. It performs no I/O; the first send or
// reconnect probe establishes reachability.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 50
	}
	return &Client{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.RequestTimeout},
		status: newStatusTracker(),
		queue:  newReportQueue(cfg.QueueSize),
		log:    log,
		now:    time.Now,
	}
}

// Status returns a snapshot of the network state.
func (c *Client) Status() Status { return c.status.snapshot() }

// Online reports whether the last delivery or probe succeeded.
func (c *Client) Online() bool { return c.status.mode() == ModeOnline }

// QueuedReports returns the number of reports waiting for reconnection.
func (c *Client) QueuedReports() int { return c.queue.len() }

// Verify asks the server to authenticate a scanned credential.
func (c *Client) Verify(ctx context.Context, uid string) (VerifyResponse, error) {
	req := VerifyRequest{
		UID:       uid,
		MachineID: c.cfg.DeviceID,
		Timestamp: c.now().UTC().Format(time.RFC3339),
	}
	var resp VerifyResponse
	if err := c.send(ctx, pathVerify, req, &resp); err != nil {
		return VerifyResponse{}, err
	}
	return resp, nil
}

// ReportResult delivers a dispense outcome. While unreachable with
// fallback enabled, the report is queued for replay after reconnection
// instead of being lost; queueing is not a delivery failure.
func (c *Client) ReportResult(ctx context.Context, rep Report) error {
	rep.MachineID = c.cfg.DeviceID
	if rep.Timestamp == "" {
		rep.Timestamp = c.now().UTC().Format(time.RFC3339)
	}

	err := c.send(ctx, pathReport, rep, nil)
	if err == nil {
		return nil
	}
	if c.cfg.FallbackEnabled {
		if dropped := c.queue.push(rep); dropped {
			c.log.Warn("offline report queue full, dropping oldest")
		}
		c.log.Info("report queued for reconnection",
			zap.String("uid", rep.UID), zap.Int("queued", c.queue.len()))
		return nil
	}
	return err
}

// send delivers one request with bounded retries. In fallback mode it
// fails fast without attempting delivery.
func (c *Client) send(ctx context.Context, path string, body, out any) error {
	if c.status.mode() == ModeFallback {
		return ErrOffline
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetryCount; attempt++ {
		err := c.doRequest(ctx, c.activeURL(), path, body, out)
		if err == nil {
			c.status.markSuccess(c.now())
			return nil
		}
		lastErr = err
		c.status.markFailure(c.now())
		c.log.Warn("request failed",
			zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))

		if attempt < c.cfg.MaxRetryCount {
			if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("send %s after %d attempts: %w", path, c.cfg.MaxRetryCount, lastErr)
}

func (c *Client) activeURL() string {
	if c.status.active() == serverBackup && c.cfg.BackupURL != "" {
		return c.cfg.BackupURL
	}
	return c.cfg.PrimaryURL
}

func (c *Client) doRequest(ctx context.Context, base, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: server returned %s", path, resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// ping probes a server's health endpoint with a plain GET.
func (c *Client) ping(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+pathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health: server returned %s", resp.Status)
	}
	return nil
}

// RunReconnect probes the server on every tick while deliveries are
// failing. Exceeding MaxReconnectAttempts consecutive failed probes
// switches the client to fallback; probing continues so a recovered
// server restores Online. Returns when ctx is cancelled, without
// finishing an in-flight probe's retries (probes are single-shot).
func (c *Client) RunReconnect(ctx context.Context, tick <-chan time.Time) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}

		if c.status.mode() == ModeOnline {
			attempts = 0
			continue
		}

		if c.probe(ctx) {
			attempts = 0
			c.drainQueue(ctx)
			continue
		}

		attempts++
		if attempts >= c.cfg.MaxReconnectAttempts && c.status.mode() != ModeFallback {
			c.log.Error("reconnect budget exhausted, entering fallback",
				zap.Int("attempts", attempts))
			c.status.enterFallback()
		}
	}
}

// probe checks primary first (so a recovered primary wins back traffic),
// then backup. Success restores Online.
func (c *Client) probe(ctx context.Context) bool {
	if err := c.ping(ctx, c.cfg.PrimaryURL); err == nil {
		c.status.setActive(serverPrimary)
		c.status.markSuccess(c.now())
		c.log.Info("server reachable", zap.String("server", serverPrimary))
		return true
	}
	if c.cfg.BackupURL != "" {
		if err := c.ping(ctx, c.cfg.BackupURL); err == nil {
			c.status.setActive(serverBackup)
			c.status.markSuccess(c.now())
			c.log.Warn("primary unreachable, failing over", zap.String("server", serverBackup))
			return true
		}
	}
	return false
}

// drainQueue replays queued reports after reconnection. Single-shot
// deliveries; on the first failure the remainder is requeued for the
// next successful probe.
func (c *Client) drainQueue(ctx context.Context) {
	pending := c.queue.drainAll()
	if len(pending) == 0 {
		return
	}
	c.log.Info("replaying queued reports", zap.Int("count", len(pending)))

	for i, rep := range pending {
		if err := c.doRequest(ctx, c.activeURL(), pathReport, rep, nil); err != nil {
			c.log.Warn("queue replay interrupted", zap.Error(err))
			c.status.markFailure(c.now())
			c.queue.requeue(pending[i:])
			return
		}
		c.status.markSuccess(c.now())
	}
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
