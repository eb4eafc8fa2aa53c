package adc

import (
	"fmt"
	"sync"
)

// FakeReader returns scripted counts per channel. Each ReadRaw consumes the
// next sample; when a script is exhausted the last sample repeats.
type FakeReader struct {
	mu      sync.Mutex
	scripts map[int][]uint16
	index   map[int]int

	// Err, if set, is returned by every ReadRaw.
	Err error
}

// NewFakeReader creates an empty FakeReader.
func NewFakeReader() *FakeReader {
	return &FakeReader{scripts: make(map[int][]uint16), index: make(map[int]int)}
}

// Script replaces the sample sequence for channel.
func (f *FakeReader) Script(channel int, samples ...uint16) {
	f.mu.Lock()
	f.scripts[channel] = samples
	f.index[channel] = 0
	f.mu.Unlock()
}

// Hold makes channel return v on every read.
func (f *FakeReader) Hold(channel int, v uint16) {
	f.Script(channel, v)
}

// ReadRaw returns the next scripted sample.
func (f *FakeReader) ReadRaw(channel int) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	s := f.scripts[channel]
	if len(s) == 0 {
		return 0, fmt.Errorf("adc: channel %d not scripted", channel)
	}
	i := f.index[channel]
	v := s[i]
	if i < len(s)-1 {
		f.index[channel] = i + 1
	}
	return v, nil
}
