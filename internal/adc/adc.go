// Package adc reads raw analog-to-digital converter counts.
package adc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Reader returns raw ADC counts for a channel.
type Reader interface {
	ReadRaw(channel int) (uint16, error)
}

// IIOReader reads channels exposed by a Linux Industrial I/O device
// (for example an MCP3008 on SPI) through sysfs.
type IIOReader struct {
	dir string
	max uint16
}

// NewIIOReader returns a reader for the IIO device directory dir. Counts above
// maxCount are reported as errors.
func NewIIOReader(dir string, maxCount uint16) (*IIOReader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("adc: open %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("adc: %s is not a directory", dir)
	}
	return &IIOReader{dir: dir, max: maxCount}, nil
}

// ReadRaw reads in_voltage<channel>_raw.
func (r *IIOReader) ReadRaw(channel int) (uint16, error) {
	path := filepath.Join(r.dir, fmt.Sprintf("in_voltage%d_raw", channel))
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("adc: read channel %d: %w", channel, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("adc: parse channel %d: %w", channel, err)
	}
	if uint16(v) > r.max {
		return 0, fmt.Errorf("adc: channel %d count %d above full scale %d", channel, v, r.max)
	}
	return uint16(v), nil
}
