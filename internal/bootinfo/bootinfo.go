// Package bootinfo defines the fixed RawBootInfo layout written at
// BOOT_INFO_OFFSET: the guest-physical range, the serial hypercall port,
// where the FDT lives, what the ELF loader placed and where, and a
// platform info block the guest uses before its own drivers come up.
package bootinfo

import (
	"github.com/hermitcore/uhyve-go/internal/memory"
)

// LoadInfo records what internal/kernelimage placed in guest memory.
type LoadInfo struct {
	KernelImageAddr uint64 // GPA the ELF's first segment was loaded at
	KernelImageSize uint64
	EntryPoint      uint64 // GVA of _start
	StackAddr       uint64 // GPA of the boot stack's low address
	StackSize       uint64
}

// PlatformInfo conveys host capabilities the guest cannot probe itself
// from inside the narrow hypercall ABI.
type PlatformInfo struct {
	HasPCI       uint8
	_            [7]byte // pad to 8-byte alignment ahead of the uint64 fields
	CPUCount     uint64
	CPUFreqKHz   uint64
	BootUnixTime uint64
}

// RawBootInfo is the packed structure the guest's early boot code reads at
// RAM_START + BOOT_INFO_OFFSET. Field order and size must not change
// without also updating the guest-side ABI.
type RawBootInfo struct {
	RAMStart    uint64
	MemorySize  uint64
	SerialPort  uint16
	_           [6]byte
	FDTAddr     uint64
	Load        LoadInfo
	Platform    PlatformInfo
}

// Write serializes info into mem at RAM_START + offset.
func Write(mem *memory.Region, offset uint64, info RawBootInfo) error {
	return memory.WriteTyped(mem, mem.RamStart+offset, info)
}
