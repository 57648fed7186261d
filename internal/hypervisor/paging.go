package hypervisor

import (
	"errors"
	"fmt"

	"github.com/hermitcore/uhyve-go/internal/memory"
)

// Fixed low-memory layout, offsets from RamStart. These never move: the
// unikernel ABI and the boot pagetables both depend on them.
const (
	GDTOffset      = 0x1000
	FDTOffset      = 0x5000
	BootInfoOffset = 0x9000
	PML4Offset     = 0x10000
	PDPTEOffset    = 0x11000
	PDEOffset      = 0x12000

	pageSize     = 0x1000
	hugePageSize = 0x20_0000 // 2 MiB
)

// 64-bit page table entry flags.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWritable uint64 = 1 << 1
	PTEHugePage uint64 = 1 << 7
)

const pml4EntriesPerTable = 512

// ErrInvalidAddress is returned by VirtToPhys when a guest-virtual address
// does not resolve through the active page tables.
var ErrInvalidAddress = errors.New("hypervisor: guest virtual address does not translate")

// BuildBootLayout writes the GDT and the identity-mapped 4-level boot
// pagetables (PML4/PDPTE/PDE) into mem, starting at mem.RamStart. The PDE
// maps absolute physical addresses 0..1GiB, independent of RamStart, so
// RamStart itself need not be 2 MiB-aligned for the identity map to cover
// it. It is a precondition that mem is at least memory.MinPhysmemSize
// bytes; violating that is a fatal programming error, not a
// guest-triggerable one.
func BuildBootLayout(mem *memory.Region) error {
	if mem.Size() < memory.MinPhysmemSize {
		return fmt.Errorf("hypervisor: region size 0x%x below MinPhysmemSize", mem.Size())
	}

	gdt := BootGDT()
	for i, entry := range gdt {
		if err := memory.WriteTyped(mem, mem.RamStart+GDTOffset+uint64(i)*8, entry); err != nil {
			return fmt.Errorf("hypervisor: writing GDT entry %d: %w", i, err)
		}
	}

	pml4Base := mem.RamStart + PML4Offset
	pdpteBase := mem.RamStart + PDPTEOffset
	pdeBase := mem.RamStart + PDEOffset

	if err := memory.WriteTyped(mem, pml4Base+0*8, pdpteBase|PTEPresent|PTEWritable); err != nil {
		return fmt.Errorf("hypervisor: writing PML4[0]: %w", err)
	}
	// Recursive self-map: entry 511 points back at the PML4 table itself.
	if err := memory.WriteTyped(mem, pml4Base+511*8, pml4Base|PTEPresent|PTEWritable); err != nil {
		return fmt.Errorf("hypervisor: writing PML4[511]: %w", err)
	}

	if err := memory.WriteTyped(mem, pdpteBase+0*8, pdeBase|PTEPresent|PTEWritable); err != nil {
		return fmt.Errorf("hypervisor: writing PDPTE[0]: %w", err)
	}

	for i := 0; i < pml4EntriesPerTable; i++ {
		entry := uint64(i)*hugePageSize | PTEPresent | PTEWritable | PTEHugePage
		if err := memory.WriteTyped(mem, pdeBase+uint64(i)*8, entry); err != nil {
			return fmt.Errorf("hypervisor: writing PDE[%d]: %w", i, err)
		}
	}

	return nil
}

// VirtToPhys walks the guest's active PML4, rooted at rootPML4GPA, to
// resolve gva to a guest physical address. It short-circuits at the PDPTE
// or PDE level when it encounters a huge page, matching the 1 GiB identity
// map BuildBootLayout constructs.
func VirtToPhys(mem *memory.Region, gva uint64, rootPML4GPA uint64) (uint64, error) {
	pml4Index := (gva >> 39) & 0x1ff
	pdpteIndex := (gva >> 30) & 0x1ff
	pdeIndex := (gva >> 21) & 0x1ff
	pteIndex := (gva >> 12) & 0x1ff
	pageOffset := gva & 0xfff

	pml4Entry, err := memory.ReadTyped[uint64](mem, rootPML4GPA+pml4Index*8)
	if err != nil {
		return 0, err
	}
	if pml4Entry&PTEPresent == 0 {
		return 0, ErrInvalidAddress
	}

	pdpteTable := pml4Entry &^ 0xfff
	pdpteEntry, err := memory.ReadTyped[uint64](mem, pdpteTable+pdpteIndex*8)
	if err != nil {
		return 0, err
	}
	if pdpteEntry&PTEPresent == 0 {
		return 0, ErrInvalidAddress
	}
	if pdpteEntry&PTEHugePage != 0 {
		base := pdpteEntry &^ uint64(0x3fff_ffff)
		return base | (gva & 0x3fff_ffff), nil
	}

	pdeTable := pdpteEntry &^ 0xfff
	pdeEntry, err := memory.ReadTyped[uint64](mem, pdeTable+pdeIndex*8)
	if err != nil {
		return 0, err
	}
	if pdeEntry&PTEPresent == 0 {
		return 0, ErrInvalidAddress
	}
	if pdeEntry&PTEHugePage != 0 {
		base := pdeEntry &^ uint64(hugePageSize-1)
		return base | (gva & (hugePageSize - 1)), nil
	}

	pteTable := pdeEntry &^ 0xfff
	pteEntry, err := memory.ReadTyped[uint64](mem, pteTable+pteIndex*8)
	if err != nil {
		return 0, err
	}
	if pteEntry&PTEPresent == 0 {
		return 0, ErrInvalidAddress
	}
	base := pteEntry &^ 0xfff
	return base | pageOffset, nil
}
