// Package hypervisor is the backend collaborator: KVM ioctl wrappers,
// register/segment layouts, the boot GDT and pagetables, and guest virtual
// address translation. Everything here is either the fixed Linux KVM ABI
// or the boot-time memory layout the orchestrator (internal/vm) depends on.
package hypervisor

import (
	"syscall"
	"unsafe"
)

// KVM ioctl request numbers. These are the real values from the Linux KVM
// UAPI (linux/kvm.h), not placeholders: they are encoded with _IO/_IOR/_IOW
// using the x86_64 sizes of the structs below.
const (
	KVM_GET_API_VERSION       = 44544
	KVM_CREATE_VM             = 44545
	KVM_CREATE_VCPU           = 44609
	KVM_RUN                   = 44672
	KVM_GET_VCPU_MMAP_SIZE    = 44548
	KVM_GET_SREGS             = 0x8138ae83
	KVM_SET_SREGS             = 0x4138ae84
	KVM_GET_REGS              = 0x8090ae81
	KVM_SET_REGS              = 0x4090ae82
	KVM_SET_USER_MEMORY_REGION = 1075883590
	KVM_IRQ_LINE              = 0x4008ae61
)

// KVM_EXIT reasons, as reported in KvmRun.ExitReason.
const (
	KVM_EXIT_UNKNOWN       = 0
	KVM_EXIT_EXCEPTION     = 1
	KVM_EXIT_IO            = 2
	KVM_EXIT_HYPERCALL     = 3
	KVM_EXIT_DEBUG         = 4
	KVM_EXIT_HLT           = 5
	KVM_EXIT_MMIO          = 6
	KVM_EXIT_IRQ_WINDOW    = 7
	KVM_EXIT_SHUTDOWN      = 8
	KVM_EXIT_FAIL_ENTRY    = 9
	KVM_EXIT_INTERNAL_ERROR = 17
)

// KVM_EXIT_IO direction values.
const (
	KVM_EXIT_IO_IN  = 0
	KVM_EXIT_IO_OUT = 1
)

// KvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmRegs mirrors struct kvm_regs (x86_64): the full general purpose
// register file plus RIP/RFLAGS.
type KvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// KvmSegment mirrors struct kvm_segment.
type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// KvmDtable mirrors struct kvm_dtable (GDTR/IDTR).
type KvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterruptBits = 0x100

// KvmSregs mirrors struct kvm_sregs (x86_64).
type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               KvmDtable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterruptBits + 63) / 64]uint64
}

// KvmRun mirrors the fixed prefix of struct kvm_run plus the IO-exit union
// member, which is all this hypercall-ABI-only hypervisor needs to decode.
type KvmRun struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union member packed into Data[0] and Data[1].
func (r *KvmRun) IO() (direction uint8, size uint8, port uint16, count uint32, dataOffset uint64) {
	direction = uint8(r.Data[0] & 0xff)
	size = uint8((r.Data[0] >> 8) & 0xff)
	port = uint16((r.Data[0] >> 16) & 0xffff)
	count = uint32((r.Data[0] >> 32) & 0xffffffff)
	dataOffset = r.Data[1]
	return
}

// --- KVM ioctl wrappers ---

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return 0, errno
	}
	return res, nil
}

// DoKVMCreateVM issues KVM_CREATE_VM against the /dev/kvm handle.
func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	return int(fd), err
}

// DoKVMCreateVCPU issues KVM_CREATE_VCPU against the VM handle.
func DoKVMCreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(id))
	return int(fd), err
}

// DoKVMGetVCPUMMapSize returns the size to mmap from a vCPU fd to reach its
// shared kvm_run structure.
func DoKVMGetVCPUMMapSize(kvmFD int) (int, error) {
	size, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	return int(size), err
}

// DoKVMSetUserMemoryRegion installs the guest memory region at slot,
// backed by the host memory starting at userspaceAddr.
func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memorySize uint64, userspaceAddr uintptr) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region)))
	return err
}

// DoKVMGetRegs reads the general-purpose register file of a vCPU.
func DoKVMGetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	if _, err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, err
	}
	return &regs, nil
}

// DoKVMSetRegs writes the general-purpose register file of a vCPU.
func DoKVMSetRegs(vcpuFD int, regs *KvmRegs) error {
	_, err := ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
	return err
}

// DoKVMGetSregs reads the segment/control register file of a vCPU.
func DoKVMGetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	if _, err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, err
	}
	return &sregs, nil
}

// DoKVMSetSregs writes the segment/control register file of a vCPU.
func DoKVMSetSregs(vcpuFD int, sregs *KvmSregs) error {
	_, err := ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
	return err
}

// DoKVMRun re-enters the guest. EINTR is not an error: it just means a
// host signal interrupted the syscall before or during guest execution.
func DoKVMRun(vcpuFD int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(vcpuFD), KVM_RUN, 0)
	if errno != 0 && errno != syscall.EINTR {
		return errno
	}
	return nil
}
