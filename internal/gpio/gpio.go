// Package gpio provides digital pin access with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads raw digital input levels.
type Reader interface {
	// Read returns the raw electrical level of pin (true = high).
	// Polarity is applied by the caller.
	Read(pin int) (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Writer drives digital outputs such as indicator lamps.
type Writer interface {
	// Write sets pin high (true) or low (false).
	Write(pin int, high bool) error

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the GPIO character device used on Raspberry Pi boards.
const DefaultChip = "gpiochip0"
