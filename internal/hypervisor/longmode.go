package hypervisor

// CR0/CR4/EFER bits needed to enter and run in 64-bit long mode.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0PG uint64 = 1 << 31

	CR4PAE uint64 = 1 << 5

	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
)

// LongModeSregs builds the control/segment register state for a vCPU that
// starts directly in 64-bit long mode against the identity-mapped boot
// pagetables BuildBootLayout wrote, rooted at pml4GPA. Selectors point at
// the code/data descriptors BootGDT placed in guest memory, so a guest
// that reloads its segment registers from its own GDT sees the same flat,
// 64-bit view.
func LongModeSregs(pml4GPA uint64) KvmSregs {
	var sregs KvmSregs

	sregs.CR3 = pml4GPA
	sregs.CR4 = CR4PAE
	sregs.CR0 = CR0PE | CR0MP | CR0ET | CR0NE | CR0WP | CR0AM | CR0PG
	sregs.EFER = EFERLME | EFERLMA

	code := KvmSegment{
		Base: 0, Limit: 0xffffffff,
		Selector: uint16(GDTCode) << 3,
		Type:     11, // execute, read, accessed
		Present:  1,
		S:        1,
		L:        1,
		G:        1,
	}
	data := code
	data.Type = 3 // read/write, accessed
	data.L = 0
	data.Selector = uint16(GDTData) << 3

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	sregs.GDT.Base = 0 // filled in by the caller once RamStart is known
	sregs.GDT.Limit = gdtMax*8 - 1

	return sregs
}
