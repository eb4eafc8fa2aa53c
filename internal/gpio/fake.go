package gpio

import (
	"fmt"
	"sync"
)

// FakeReader is a test double whose pin levels are set directly by the test.
type FakeReader struct {
	mu     sync.Mutex
	levels map[int]bool

	// Errors, if set for a pin, is returned by Read for that pin.
	Errors map[int]error

	// Reads counts calls to Read per pin.
	Reads map[int]int

	// Closed tracks if Close was called
	Closed bool
}

// NewFakeReader creates a FakeReader with the given initial raw levels.
// Pins not present read as an error.
func NewFakeReader(levels map[int]bool) *FakeReader {
	f := &FakeReader{
		levels: make(map[int]bool, len(levels)),
		Errors: make(map[int]error),
		Reads:  make(map[int]int),
	}
	for pin, v := range levels {
		f.levels[pin] = v
	}
	return f
}

// Set changes the raw level of pin.
func (f *FakeReader) Set(pin int, high bool) {
	f.mu.Lock()
	f.levels[pin] = high
	f.mu.Unlock()
}

// Read returns the current level of pin.
func (f *FakeReader) Read(pin int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Reads[pin]++
	if err := f.Errors[pin]; err != nil {
		return false, err
	}
	v, ok := f.levels[pin]
	if !ok {
		return false, fmt.Errorf("pin %d not configured", pin)
	}
	return v, nil
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.Closed = true
	return nil
}

// FakeWriter records output levels.
type FakeWriter struct {
	mu     sync.Mutex
	levels map[int]bool

	// Writes counts calls to Write per pin.
	Writes map[int]int

	// WriteError, if set, will be returned by Write.
	WriteError error

	Closed bool
}

// NewFakeWriter creates an empty FakeWriter.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{levels: make(map[int]bool), Writes: make(map[int]int)}
}

// Write records the level for pin.
func (f *FakeWriter) Write(pin int, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.levels[pin] = high
	f.Writes[pin]++
	return nil
}

// Level returns the last written level of pin.
func (f *FakeWriter) Level(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin]
}

// Close marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.Closed = true
	return nil
}
