// Package reader provides the credential source: a line-oriented stream
// of scanned UIDs from a serial RFID/QR reader, or from stdin in
// simulation mode.
//
// Delivery to the controller is a non-blocking send on an unbuffered
// channel: a scan arriving while the controller is mid-cycle is dropped
// and logged, never queued. This keeps backlog bounded and prevents
// overlapping dispense cycles.
package reader

import (
	"bufio"
	"io"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scan is one validated credential read.
type Scan struct {
	UID string
	At  time.Time
}

// Source is the narrow interface the controller consumes.
type Source interface {
	// Scans is the channel validated scans are delivered on. Closed when
	// the underlying stream ends.
	Scans() <-chan Scan
	Close() error
}

// Accepted UID shapes: hex, K-prefixed short codes, and plain digits.
var uidPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-F0-9]{6,12}$`),
	regexp.MustCompile(`^K[0-9]{3,4}$`),
	regexp.MustCompile(`^[0-9]{6,12}$`),
}

var nonWord = regexp.MustCompile(`[^\w]`)

// Normalize strips non-word characters and upper-cases the line.
func Normalize(line string) string {
	return nonWord.ReplaceAllString(strings.TrimSpace(line), "")
}

// Valid reports whether uid matches an accepted shape.
func Valid(uid string) bool {
	if len(uid) < 3 {
		return false
	}
	for _, p := range uidPatterns {
		if p.MatchString(uid) {
			return true
		}
	}
	return false
}

// LineSource reads lines from an io.ReadCloser, validates them, applies
// the same-UID debounce, and delivers scans.
type LineSource struct {
	rc       io.ReadCloser
	scans    chan Scan
	debounce time.Duration
	now      func() time.Time
	log      *zap.Logger

	lastUID string
	lastAt  time.Time
}

// NewLineSource wraps an arbitrary line stream. Run must be started by
// the caller.
func NewLineSource(rc io.ReadCloser, debounce time.Duration, log *zap.Logger) *LineSource {
	return &LineSource{
		rc:       rc,
		scans:    make(chan Scan),
		debounce: debounce,
		now:      time.Now,
		log:      log,
	}
}

// Scans returns the delivery channel.
func (s *LineSource) Scans() <-chan Scan { return s.scans }

// Run reads until the stream ends, then closes the scan channel. Meant
// to be run as a goroutine.
func (s *LineSource) Run() {
	defer close(s.scans)
	scanner := bufio.NewScanner(s.rc)
	for scanner.Scan() {
		scan, ok := s.accept(scanner.Text())
		if !ok {
			continue
		}

		select {
		case s.scans <- scan:
		default:
			// Controller busy: drop, never queue.
			s.log.Info("controller busy, scan dropped", zap.String("uid", scan.UID))
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Error("credential stream read error", zap.Error(err))
	}
}

// accept normalizes, validates, and debounces one raw line.
func (s *LineSource) accept(line string) (Scan, bool) {
	uid := Normalize(strings.ToUpper(line))
	if uid == "" {
		return Scan{}, false
	}
	if !Valid(uid) {
		// Malformed lines are discarded, not surfaced as errors.
		s.log.Debug("discarding malformed scan", zap.String("line", uid))
		return Scan{}, false
	}

	t := s.now()
	if uid == s.lastUID && t.Sub(s.lastAt) < s.debounce {
		s.log.Debug("debounced repeat scan", zap.String("uid", uid))
		return Scan{}, false
	}
	s.lastUID = uid
	s.lastAt = t
	return Scan{UID: uid, At: t}, true
}

// Close closes the underlying stream, which unblocks Run.
func (s *LineSource) Close() error {
	return s.rc.Close()
}
