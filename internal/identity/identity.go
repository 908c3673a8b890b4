// Package identity manages the persistent device id used in every
// outbound server request.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const cpuinfoPath = "/proc/cpuinfo"

// LoadOrCreate returns the device id stored at path, creating and
// persisting one if the file does not exist. Ids derived from the Pi's
// CPU serial are stable across reflashes; the uuid fallback covers
// non-Pi hosts.
func LoadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id %s: %w", path, err)
	}

	id := generate()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create device id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id %s: %w", path, err)
	}
	return id, nil
}

func generate() string {
	if serial := piSerial(); serial != "" {
		tail := serial
		if len(tail) > 8 {
			tail = tail[len(tail)-8:]
		}
		return "RPI_" + strings.ToUpper(tail)
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:8])
}

// piSerial reads the board serial from /proc/cpuinfo, empty if absent.
func piSerial() string {
	data, err := os.ReadFile(cpuinfoPath)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Serial") {
			continue
		}
		_, value, found := strings.Cut(line, ":")
		if found {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
