// Package kernelimage loads a Hermit-family unikernel ELF binary into a
// guest memory region. This is an out-of-core collaborator: the spec
// treats ELF parsing as an external concern, so this package leans on the
// standard library's debug/elf rather than a third-party parser — no
// example in the retrieved pack carries one.
package kernelimage

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/hermitcore/uhyve-go/internal/memory"
)

// Loaded records where the kernel ended up and where it expects to start
// running, both guest-physical/virtual addresses relative to the identity
// map built by internal/hypervisor.
type Loaded struct {
	LoadAddr   uint64 // lowest guest-physical address written
	Size       uint64 // one past the highest written address, minus LoadAddr
	EntryPoint uint64 // ELF header entry point, relocated to the load address
}

// Load reads path's PT_LOAD segments into mem starting at
// mem.RamStart+loadOffset, preserving each segment's relative placement,
// and zero-fills the gap between Filesz and Memsz (bss).
func Load(path string, mem *memory.Region, loadOffset uint64) (Loaded, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("kernelimage: opening %s: %w", path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return Loaded{}, fmt.Errorf("kernelimage: %s is not an x86-64 ELF (machine=%s)", path, f.Machine)
	}

	var minVaddr, maxEnd uint64
	haveLoad := false

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !haveLoad || prog.Vaddr < minVaddr {
			minVaddr = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > maxEnd {
			maxEnd = end
		}
		haveLoad = true
	}
	if !haveLoad {
		return Loaded{}, fmt.Errorf("kernelimage: %s has no PT_LOAD segments", path)
	}

	base := mem.RamStart + loadOffset
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		gpa := base + (prog.Vaddr - minVaddr)
		dest, err := mem.Slice(gpa, prog.Memsz)
		if err != nil {
			return Loaded{}, fmt.Errorf("kernelimage: segment at 0x%x: %w", gpa, err)
		}
		if _, err := io.ReadFull(prog.Open(), dest[:prog.Filesz]); err != nil {
			return Loaded{}, fmt.Errorf("kernelimage: reading segment at 0x%x: %w", gpa, err)
		}
		for i := prog.Filesz; i < prog.Memsz; i++ {
			dest[i] = 0
		}
	}

	return Loaded{
		LoadAddr:   base,
		Size:       maxEnd - minVaddr,
		EntryPoint: base + (f.Entry - minVaddr),
	}, nil
}
