// Package auth turns raw credentials into authorize/deny decisions,
// enforcing per-credential failed-attempt lockout and session expiry.
// Server validation goes through a Verifier; while the server is
// unreachable the offline policy is deny-by-default, with an opt-in
// cached-credential allowance.
//
// Session state lives only on this device: it is lockout/timeout
// bookkeeping, not shared identity.
package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Verdict is the server's answer for one credential.
type Verdict struct {
	Approved bool
	Slot     int
	Dose     int
}

// Verifier performs server-side credential validation. A non-nil error
// means the server could not be consulted (network failure), not that
// the credential was denied.
type Verifier interface {
	VerifyCredential(ctx context.Context, uid string) (Verdict, error)
}

// DecisionKind classifies an Evaluate result.
type DecisionKind string

const (
	DecisionAuthorized DecisionKind = "AUTHORIZED"
	DecisionDenied     DecisionKind = "DENIED"
	DecisionLocked     DecisionKind = "LOCKED"
)

// Decision is the outcome of evaluating one scan.
type Decision struct {
	Kind DecisionKind
	// Slot and Dose are set for authorized decisions.
	Slot int
	Dose int
	// Reason explains denials in logs and user feedback.
	Reason string
	// RetryAfter is the remaining lockout window for locked decisions.
	RetryAfter time.Duration
}

// SessionStatus is the lifecycle state of one credential's session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "PENDING"
	StatusAuthorized SessionStatus = "AUTHORIZED"
	StatusLocked     SessionStatus = "LOCKED"
)

// session is per-credential bookkeeping. attempts never exceeds the
// failure limit while status is pending; reaching the limit locks it.
type session struct {
	uid       string
	attempts  int
	status    SessionStatus
	createdAt time.Time
	lockedAt  time.Time
	expiresAt time.Time // authorization expiry, zero unless authorized

	// cachedAt/cachedSlot/cachedDose remember the last online approval
	// for the optional offline fallback.
	cachedAt   time.Time
	cachedSlot int
	cachedDose int
}

// Config holds lockout, expiry, and offline policy.
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	SessionTimeout    time.Duration
	// AllowCachedFallback permits offline approval of credentials that
	// were authorized online within CacheDuration. Off by default.
	AllowCachedFallback bool
	CacheDuration       time.Duration
	// DefaultSlot is used when the server supplies no slot.
	DefaultSlot int
}

// Manager owns all credential sessions.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	verifier Verifier
	sessions map[string]*session
	now      func() time.Time
	log      *zap.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, verifier Verifier, log *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		verifier: verifier,
		sessions: make(map[string]*session),
		now:      time.Now,
		log:      log,
	}
}

// Evaluate produces a decision for one scanned credential.
//
// A locked session short-circuits without contacting the server until
// its lockout window has elapsed, after which the credential is
// evaluated fresh. Server denials count toward lockout; network
// failures do not (they are not authentication failures).
func (m *Manager) Evaluate(ctx context.Context, uid string) Decision {
	m.mu.Lock()
	now := m.now()
	m.purgeLocked(now)

	s, ok := m.sessions[uid]
	if !ok {
		s = &session{uid: uid, status: StatusPending, createdAt: now}
		m.sessions[uid] = s
	}

	if s.status == StatusLocked {
		remaining := s.lockedAt.Add(m.cfg.LockoutDuration).Sub(now)
		if remaining > 0 {
			m.mu.Unlock()
			m.log.Warn("credential locked out",
				zap.String("uid", uid), zap.Duration("retry_after", remaining))
			return Decision{Kind: DecisionLocked, Reason: "locked out", RetryAfter: remaining}
		}
		// Lockout elapsed: evaluate fresh.
		s.status = StatusPending
		s.attempts = 0
	}
	m.mu.Unlock()

	// Server consultation happens outside the lock: it can block for the
	// full retry budget and must not stall other bookkeeping.
	verdict, err := m.verifier.VerifyCredential(ctx, uid)
	if err != nil {
		return m.offlineDecision(uid, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now = m.now()

	if !verdict.Approved {
		s.attempts++
		if s.attempts >= m.cfg.MaxFailedAttempts {
			s.status = StatusLocked
			s.lockedAt = now
			m.log.Warn("credential locked after repeated denials",
				zap.String("uid", uid), zap.Int("attempts", s.attempts))
			return Decision{
				Kind:       DecisionLocked,
				Reason:     "too many failed attempts",
				RetryAfter: m.cfg.LockoutDuration,
			}
		}
		return Decision{Kind: DecisionDenied, Reason: "server denied"}
	}

	slot := verdict.Slot
	if slot == 0 {
		slot = m.cfg.DefaultSlot
	}
	dose := verdict.Dose
	if dose == 0 {
		dose = 1
	}

	s.attempts = 0
	s.status = StatusAuthorized
	s.expiresAt = now.Add(m.cfg.SessionTimeout)
	s.cachedAt = now
	s.cachedSlot = slot
	s.cachedDose = dose

	return Decision{Kind: DecisionAuthorized, Slot: slot, Dose: dose}
}

// offlineDecision applies the fallback policy when the server cannot be
// consulted: deny unless cached fallback is enabled and this credential
// was approved online recently. Offline denials never count toward
// lockout.
func (m *Manager) offlineDecision(uid string, cause error) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[uid]
	if m.cfg.AllowCachedFallback && s != nil && !s.cachedAt.IsZero() &&
		m.now().Sub(s.cachedAt) < m.cfg.CacheDuration {
		m.log.Info("offline approval from cached credential", zap.String("uid", uid))
		s.status = StatusAuthorized
		s.expiresAt = m.now().Add(m.cfg.SessionTimeout)
		return Decision{Kind: DecisionAuthorized, Slot: s.cachedSlot, Dose: s.cachedDose}
	}

	m.log.Warn("server unreachable, denying scan", zap.String("uid", uid), zap.Error(cause))
	return Decision{Kind: DecisionDenied, Reason: "server unreachable"}
}

// Authorized reports whether uid holds an unexpired authorization at
// the given time. The controller checks this before actuating: a
// session that timed out after approval revokes the dispense.
func (m *Manager) Authorized(uid string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uid]
	return ok && s.status == StatusAuthorized && at.Before(s.expiresAt)
}

// Conclude ends uid's cycle after a dispense completes (or is revoked).
// The authorization is consumed; the cached approval survives for the
// offline fallback window.
func (m *Manager) Conclude(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uid]
	if !ok {
		return
	}
	if s.status == StatusAuthorized {
		s.status = StatusPending
		s.expiresAt = time.Time{}
		s.attempts = 0
	}
}

// purgeLocked drops sessions whose lockout expired long ago, bounding
// the map. Caller holds mu.
func (m *Manager) purgeLocked(now time.Time) {
	if len(m.sessions) < 128 {
		return
	}
	for uid, s := range m.sessions {
		stale := now.Sub(s.createdAt) > 2*m.cfg.LockoutDuration &&
			s.status != StatusAuthorized &&
			(s.lockedAt.IsZero() || now.Sub(s.lockedAt) > m.cfg.LockoutDuration)
		if stale {
			delete(m.sessions, uid)
		}
	}
}
