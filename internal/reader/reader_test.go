package reader

import (
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"04A1B2C3\n", "04A1B2C3"},
		{"  k123  ", "k123"},
		{"04:A1:B2:C3", "04A1B2C3"},
		{"\x0204A1B2C3\x03\r\n", "04A1B2C3"},
		{"", ""},
		{"---", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		uid  string
		want bool
	}{
		{"04A1B2", true},       // hex, minimum length
		{"A1B2C3D4E5F6", true}, // hex, maximum length
		{"K123", true},         // keypad code
		{"K1234", true},
		{"123456", true}, // numeric
		{"123456789012", true},
		{"04A1B", false},          // hex too short
		{"A1B2C3D4E5F6A7", false}, // hex too long
		{"K12", false},
		{"K12345", false},
		{"12345", false}, // numeric too short
		{"GHIJKL", false},
		{"AB", false},
		{"", false},
	}
	for _, c := range cases {
		if got := Valid(c.uid); got != c.want {
			t.Errorf("Valid(%q): got %v, want %v", c.uid, got, c.want)
		}
	}
}

func newTestSource(debounce time.Duration) *LineSource {
	s := NewLineSource(io.NopCloser(strings.NewReader("")), debounce, zap.NewNop())
	return s
}

func TestAcceptLowercaseHex(t *testing.T) {
	s := newTestSource(0)
	scan, ok := s.accept("04a1b2c3")
	if !ok {
		t.Fatal("expected scan accepted")
	}
	if scan.UID != "04A1B2C3" {
		t.Errorf("uid: got %q, want %q", scan.UID, "04A1B2C3")
	}
}

func TestAcceptMalformed(t *testing.T) {
	s := newTestSource(0)
	for _, line := range []string{"", "   ", "zz", "not a uid"} {
		if _, ok := s.accept(line); ok {
			t.Errorf("accept(%q): expected rejection", line)
		}
	}
}

func TestAcceptDebounce(t *testing.T) {
	s := newTestSource(2 * time.Second)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	if _, ok := s.accept("04A1B2C3"); !ok {
		t.Fatal("first scan rejected")
	}

	// Same UID inside the window is dropped.
	clock = base.Add(time.Second)
	if _, ok := s.accept("04A1B2C3"); ok {
		t.Error("repeat inside debounce window accepted")
	}

	// A different UID passes regardless.
	if _, ok := s.accept("K123"); !ok {
		t.Error("different uid inside window rejected")
	}

	// The original UID after the window passes again.
	clock = base.Add(4 * time.Second)
	if _, ok := s.accept("04A1B2C3"); !ok {
		t.Error("repeat after debounce window rejected")
	}
}

func TestRunDeliversAndCloses(t *testing.T) {
	input := "04a1b2c3\nbogus!!\nk123\n"
	s := NewLineSource(io.NopCloser(strings.NewReader(input)), 0, zap.NewNop())

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scan := range s.Scans() {
			got = append(got, scan.UID)
		}
	}()

	s.Run()
	<-done

	want := []string{"04A1B2C3", "K123"}
	if len(got) != len(want) {
		t.Fatalf("scans: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scan %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunDropsWithoutConsumer(t *testing.T) {
	input := "04a1b2c3\n"
	s := NewLineSource(io.NopCloser(strings.NewReader(input)), 0, zap.NewNop())

	// No reader on the channel: Run must not block.
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run blocked with no consumer")
	}
}

func TestFakeSource(t *testing.T) {
	f := NewFakeSource()
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	go f.Emit("04A1B2C3", at)
	scan := <-f.Scans()
	if scan.UID != "04A1B2C3" || !scan.At.Equal(at) {
		t.Errorf("scan: got %+v", scan)
	}

	f.End()
	if _, open := <-f.Scans(); open {
		t.Error("channel still open after End")
	}
}
