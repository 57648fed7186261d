package bootinfo

import (
	"testing"

	"github.com/hermitcore/uhyve-go/internal/memory"
)

func TestWriteRoundTrip(t *testing.T) {
	mem, err := memory.New(0x2000_0000, memory.MinPhysmemSize+0x1000, false, false)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	want := RawBootInfo{
		RAMStart:   mem.RamStart,
		MemorySize: mem.Size(),
		SerialPort: 0x499,
		FDTAddr:    mem.RamStart + 0x5000,
		Load: LoadInfo{
			KernelImageAddr: mem.RamStart + 0x20000,
			KernelImageSize: 4096,
			EntryPoint:      mem.RamStart + 0x20000,
			StackAddr:       mem.RamStart + 0x18000,
			StackSize:       0x8000,
		},
		Platform: PlatformInfo{
			HasPCI:     0,
			CPUCount:   1,
			CPUFreqKHz: 2400000,
		},
	}

	const offset = 0x13000
	if err := Write(mem, offset, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := memory.ReadTyped[RawBootInfo](mem, mem.RamStart+offset)
	if err != nil {
		t.Fatalf("ReadTyped: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}
