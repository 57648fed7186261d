package memory

import (
	"errors"
	"testing"
)

func newTestRegion(t *testing.T) *Region {
	t.Helper()
	r, err := New(0x2000_0000, MinPhysmemSize, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := newTestRegion(t)

	type payload struct {
		A uint64
		B int32
		C byte
	}
	want := payload{A: 0xdeadbeefcafebabe, B: -7, C: 0x42}

	if err := WriteTyped(r, r.RamStart+0x100, want); err != nil {
		t.Fatalf("WriteTyped: %v", err)
	}
	got, err := ReadTyped[payload](r, r.RamStart+0x100)
	if err != nil {
		t.Fatalf("ReadTyped: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestReadTypedOutOfBounds(t *testing.T) {
	r := newTestRegion(t)

	gpa := r.RamEnd() - 2
	_, err := ReadTyped[uint64](r, gpa)
	if !errors.Is(err, ErrBoundsViolation) {
		t.Fatalf("expected ErrBoundsViolation, got %v", err)
	}
}

func TestHostAddressBelowRamStart(t *testing.T) {
	r := newTestRegion(t)

	_, err := r.HostAddress(r.RamStart - 1)
	if !errors.Is(err, ErrWrongMemory) {
		t.Fatalf("expected ErrWrongMemory, got %v", err)
	}
}

func TestReadCString(t *testing.T) {
	r := newTestRegion(t)

	const gpa = 0x2000_0200
	msg := "guest.txt"
	buf, err := r.Slice(gpa, uint64(len(msg)+1))
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	copy(buf, msg)
	buf[len(msg)] = 0

	got, err := r.ReadCString(gpa, 256)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if got != msg {
		t.Fatalf("ReadCString = %q, want %q", got, msg)
	}
}

func TestSliceBounds(t *testing.T) {
	r := newTestRegion(t)

	if _, err := r.Slice(r.RamEnd()-4, 8); !errors.Is(err, ErrBoundsViolation) {
		t.Fatalf("expected ErrBoundsViolation, got %v", err)
	}
}
