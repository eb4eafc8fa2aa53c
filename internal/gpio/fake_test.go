package gpio

import (
	"errors"
	"testing"
)

func TestFakeReaderRead(t *testing.T) {
	f := NewFakeReader(map[int]bool{5: true, 6: false})

	v, err := f.Read(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Errorf("pin 5: got %v, want true", v)
	}

	f.Set(6, true)
	v, err = f.Read(6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Errorf("pin 6 after Set: got %v, want true", v)
	}

	if f.Reads[5] != 1 || f.Reads[6] != 1 {
		t.Errorf("read counts: got %v", f.Reads)
	}
}

func TestFakeReaderUnknownPin(t *testing.T) {
	f := NewFakeReader(nil)

	if _, err := f.Read(3); err == nil {
		t.Error("expected error for unconfigured pin")
	}
}

func TestFakeReaderError(t *testing.T) {
	f := NewFakeReader(map[int]bool{4: true})
	f.Errors[4] = errors.New("simulated error")

	_, err := f.Read(4)
	if err == nil {
		t.Fatal("expected error to be returned")
	}
	if err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeReaderClose(t *testing.T) {
	f := NewFakeReader(nil)

	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
}

func TestFakeWriter(t *testing.T) {
	w := NewFakeWriter()

	if err := w.Write(9, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Level(9) {
		t.Error("pin 9: expected high")
	}
	w.Write(9, false)
	if w.Level(9) {
		t.Error("pin 9: expected low")
	}
	if w.Writes[9] != 2 {
		t.Errorf("writes: got %d, want 2", w.Writes[9])
	}

	w.WriteError = errors.New("boom")
	if err := w.Write(9, true); err == nil {
		t.Error("expected write error")
	}
}
