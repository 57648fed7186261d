package vm

import (
	"fmt"
	"log"
	"syscall"
	"unsafe"

	"github.com/hermitcore/uhyve-go/internal/hypercall"
	"github.com/hermitcore/uhyve-go/internal/hypervisor"
)

// vcpu drives one KVM virtual CPU: the KVM_RUN loop, decoding KVM_EXIT_IO
// exits on the hypercall ports into hypercall.Dispatcher calls, and
// reporting the guest's eventual Exit code or a fatal error back to the VM.
type vcpu struct {
	id         int
	fd         int
	run        *hypervisor.KvmRun
	runMmap    []byte
	dispatcher *hypercall.Dispatcher
}

func newVCPU(vmFD, kvmFD, id int, entryPoint, stackAddr uint64, gdtBase, pml4GPA uint64, dispatcher *hypercall.Dispatcher) (*vcpu, error) {
	fd, err := hypervisor.DoKVMCreateVCPU(vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("vm: KVM_CREATE_VCPU %d: %w", id, err)
	}

	mmapSize, err := hypervisor.DoKVMGetVCPUMMapSize(kvmFD)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("vm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	runMmap, err := syscall.Mmap(fd, 0, mmapSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("vm: mmap kvm_run for vCPU %d: %w", id, err)
	}

	v := &vcpu{
		id:         id,
		fd:         fd,
		run:        (*hypervisor.KvmRun)(unsafe.Pointer(&runMmap[0])),
		runMmap:    runMmap,
		dispatcher: dispatcher,
	}

	if err := v.initRegisters(entryPoint, stackAddr, gdtBase, pml4GPA); err != nil {
		v.close()
		return nil, fmt.Errorf("vm: init registers for vCPU %d: %w", id, err)
	}
	return v, nil
}

func (v *vcpu) initRegisters(entryPoint, stackAddr, gdtBase, pml4GPA uint64) error {
	sregs := hypervisor.LongModeSregs(pml4GPA)
	sregs.GDT.Base = gdtBase
	if err := hypervisor.DoKVMSetSregs(v.fd, &sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	regs := &hypervisor.KvmRegs{
		RFLAGS: 0x2,
		RIP:    entryPoint,
		RSP:    stackAddr,
		RBP:    stackAddr,
	}
	if err := hypervisor.DoKVMSetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// result is what a vCPU worker reports when its run loop ends.
type result struct {
	id       int
	exitCode int32
	err      error
}

// run drives KVM_RUN until the guest issues Exit or a backend/dispatch
// error occurs. I/O exits on unhandled ports are logged by the dispatcher
// and the loop continues.
func (v *vcpu) run() (int32, error) {
	for {
		if err := hypervisor.DoKVMRun(v.fd); err != nil {
			return 0, fmt.Errorf("vCPU %d: KVM_RUN: %w", v.id, err)
		}

		switch v.run.ExitReason {
		case hypervisor.KVM_EXIT_IO:
			direction, size, port, count, dataOffset := v.run.IO()
			if direction != hypervisor.KVM_EXIT_IO_OUT {
				// The hypercall ABI is guest-to-host only; an IN on one
				// of these ports is not a call this backend services.
				continue
			}
			// x86 OUT carries at most 32 bits; the guest-physical address
			// of a parameter record always fits in that width for the
			// memory sizes this hypervisor supports, so each entry is
			// zero-extended to a full GPA.
			dataPtr := uintptr(unsafe.Pointer(v.run)) + uintptr(dataOffset)
			for i := uint32(0); i < count; i++ {
				entryPtr := dataPtr + uintptr(i)*uintptr(size)
				var data uint64
				switch size {
				case 1:
					data = uint64(*(*uint8)(unsafe.Pointer(entryPtr)))
				case 2:
					data = uint64(*(*uint16)(unsafe.Pointer(entryPtr)))
				case 4:
					data = uint64(*(*uint32)(unsafe.Pointer(entryPtr)))
				default:
					data = *(*uint64)(unsafe.Pointer(entryPtr))
				}

				exitCode, exited, err := v.dispatcher.Dispatch(port, data)
				if err != nil {
					return 0, fmt.Errorf("vCPU %d: hypercall on port 0x%x: %w", v.id, port, err)
				}
				if exited {
					return exitCode, nil
				}
			}

		case hypervisor.KVM_EXIT_HLT:
			// A Hermit-family guest only HLTs after Exit, which this
			// backend always intercepts first; reaching here means the
			// guest halted without calling Exit.
			return 0, fmt.Errorf("vCPU %d: unexpected KVM_EXIT_HLT", v.id)

		case hypervisor.KVM_EXIT_SHUTDOWN:
			return 0, fmt.Errorf("vCPU %d: KVM_EXIT_SHUTDOWN (triple fault)", v.id)

		case hypervisor.KVM_EXIT_FAIL_ENTRY, hypervisor.KVM_EXIT_INTERNAL_ERROR:
			return 0, fmt.Errorf("vCPU %d: fatal KVM exit reason %d", v.id, v.run.ExitReason)

		default:
			log.Printf("vm: vCPU %d: unhandled KVM exit reason %d", v.id, v.run.ExitReason)
		}
	}
}

func (v *vcpu) close() {
	if v.runMmap != nil {
		syscall.Munmap(v.runMmap)
		v.runMmap = nil
	}
	if v.fd != 0 {
		syscall.Close(v.fd)
		v.fd = 0
	}
}
