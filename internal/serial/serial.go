// Package serial provides raw serial port access for the relay board link.
package serial

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrClosed      = errors.New("serial: port closed")
	ErrUnsupported = errors.New("serial: not supported on this platform")
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyUSB0, /dev/ttyAMA0)
	Device string

	// Baud rate (default: 115200)
	BaudRate int

	// PollTimeout bounds how long Read waits for data. Zero means do not wait.
	PollTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		PollTimeout: time.Millisecond,
	}
}
