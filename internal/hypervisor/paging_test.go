package hypervisor

import (
	"testing"

	"github.com/hermitcore/uhyve-go/internal/memory"
)

func TestNewGDTEntryFormula(t *testing.T) {
	got := NewGDTEntry(0xA09B, 0, 0xFFFFF)
	base, limit := uint64(0), uint64(0xFFFFF)
	flags := uint64(0xA09B)
	want := ((base & 0xff000000) << 32) |
		((flags & 0xf0ff) << 40) |
		((limit & 0xf0000) << 32) |
		((base & 0xffffff) << 16) |
		(limit & 0xffff)
	if got != want {
		t.Fatalf("NewGDTEntry = 0x%x, want 0x%x", got, want)
	}
}

func TestIdentityMapLow1GiB(t *testing.T) {
	const ramStart = 0x11120000

	mem, err := memory.New(ramStart, memory.MinPhysmemSize, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mem.Close()

	if err := BuildBootLayout(mem); err != nil {
		t.Fatalf("BuildBootLayout: %v", err)
	}

	gva := uint64(ramStart) + 3*hugePageSize
	gpa, err := VirtToPhys(mem, gva, mem.RamStart+PML4Offset)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}
	if gpa != gva {
		t.Fatalf("VirtToPhys(0x%x) = 0x%x, want 0x%x", gva, gpa, gva)
	}
}

func TestVirtToPhysUnmappedAboveOneGiB(t *testing.T) {
	mem, err := memory.New(0, memory.MinPhysmemSize, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mem.Close()

	if err := BuildBootLayout(mem); err != nil {
		t.Fatalf("BuildBootLayout: %v", err)
	}

	_, err = VirtToPhys(mem, 1<<31, mem.RamStart+PML4Offset)
	if err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
