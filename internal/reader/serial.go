package reader

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// NewSerial opens the reader's serial port and returns a LineSource over
// it. One line per scan event, per the reader firmware.
func NewSerial(port string, baud int, debounce time.Duration, log *zap.Logger) (*LineSource, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", port, err)
	}
	log.Info("serial reader connected", zap.String("port", port), zap.Int("baud", baud))
	return NewLineSource(p, debounce, log), nil
}

// NewStdin returns a LineSource over standard input, used in simulation
// mode: each typed line is one scan event.
func NewStdin(debounce time.Duration, log *zap.Logger) *LineSource {
	log.Info("simulation mode, reading scans from stdin")
	return NewLineSource(io.NopCloser(os.Stdin), debounce, log)
}
