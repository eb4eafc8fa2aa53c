//go:build !linux

package serial

// Port is not available on non-Linux platforms.
type Port struct{}

// Open returns ErrUnsupported on non-Linux platforms.
func Open(cfg Config) (*Port, error) {
	return nil, ErrUnsupported
}

// Read is not implemented on non-Linux platforms.
func (p *Port) Read(buf []byte) (int, error) { return 0, ErrUnsupported }

// Write is not implemented on non-Linux platforms.
func (p *Port) Write(buf []byte) (int, error) { return 0, ErrUnsupported }

// Close is not implemented on non-Linux platforms.
func (p *Port) Close() error { return nil }

// Device returns an empty path.
func (p *Port) Device() string { return "" }
