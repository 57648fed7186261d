// Package memory implements the guest physical memory region: a single
// host-mapped allocation backing the guest's physical address space, with
// typed, bounds-checked accessors from host code.
package memory

import (
	"errors"
	"fmt"
	"log"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MinPhysmemSize is the smallest region length that leaves room for the GDT,
// PML4, PDPTE and PDE built by the hypervisor package.
const MinPhysmemSize = 0x13000

// ErrBoundsViolation is returned whenever an access would read or write
// outside the region.
var ErrBoundsViolation = errors.New("memory: access outside guest region")

// ErrWrongMemory is returned when a guest-physical address is requested
// that falls below the region's base address.
var ErrWrongMemory = errors.New("memory: address below RAM_START")

// Region is a single contiguous anonymous mapping backing guest physical
// memory from RamStart to RamStart+len(data). It is zero-initialized at
// creation; the pagetable construction in the hypervisor package relies on
// that.
type Region struct {
	RamStart uint64
	data     []byte
}

// New allocates a page-aligned, zero-initialized region of size bytes
// starting at ramStart. thp and ksm request transparent-huge-page and
// same-page-merging advice respectively; both are best effort.
func New(ramStart, size uint64, thp, ksm bool) (*Region, error) {
	if size < MinPhysmemSize {
		return nil, fmt.Errorf("memory: region size 0x%x below MinPhysmemSize", size)
	}

	data, err := syscall.Mmap(-1, 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap guest region: %w", err)
	}

	r := &Region{RamStart: ramStart, data: data}

	if thp {
		if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
			log.Printf("memory: MADV_HUGEPAGE advice failed: %v", err)
		}
	}
	if ksm {
		if err := unix.Madvise(data, unix.MADV_MERGEABLE); err != nil {
			log.Printf("memory: MADV_MERGEABLE advice failed: %v", err)
		}
	}

	return r, nil
}

// Close unmaps the region. It is safe to call on a nil Region.
func (r *Region) Close() error {
	if r == nil || r.data == nil {
		return nil
	}
	err := syscall.Munmap(r.data)
	r.data = nil
	return err
}

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.data))
}

// RamEnd returns the guest physical address one past the end of the region.
func (r *Region) RamEnd() uint64 {
	return r.RamStart + r.Size()
}

// offset validates that [gpa, gpa+length) lies within the region and
// returns the corresponding byte offset into data.
func (r *Region) offset(gpa, length uint64) (uint64, error) {
	if gpa < r.RamStart {
		return 0, ErrWrongMemory
	}
	off := gpa - r.RamStart
	if length > r.Size() || off > r.Size()-length {
		return 0, ErrBoundsViolation
	}
	return off, nil
}

// HostAddress returns the host virtual address corresponding to gpa.
func (r *Region) HostAddress(gpa uint64) (uintptr, error) {
	off, err := r.offset(gpa, 1)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&r.data[off])), nil
}

// Slice returns a byte slice aliasing [gpa, gpa+length) of the region.
func (r *Region) Slice(gpa, length uint64) ([]byte, error) {
	off, err := r.offset(gpa, length)
	if err != nil {
		return nil, err
	}
	return r.data[off : off+length], nil
}

// Raw exposes the whole backing array. Used by VM construction to hand
// the region's host address to KVM_SET_USER_MEMORY_REGION.
func (r *Region) Raw() []byte {
	return r.data
}

// ReadTyped decodes a value of type T out of the region at gpa.
func ReadTyped[T any](r *Region, gpa uint64) (T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	off, err := r.offset(gpa, size)
	if err != nil {
		return zero, err
	}
	return *(*T)(unsafe.Pointer(&r.data[off])), nil
}

// WriteTyped encodes v into the region at gpa.
func WriteTyped[T any](r *Region, gpa uint64, v T) error {
	size := uint64(unsafe.Sizeof(v))
	off, err := r.offset(gpa, size)
	if err != nil {
		return err
	}
	*(*T)(unsafe.Pointer(&r.data[off])) = v
	return nil
}

// GetRefMut returns a pointer into the region's backing array. The caller
// must ensure no other vCPU is concurrently mutating the same bytes; the
// contract is that the owning vCPU is halted for the duration of the
// borrow (see internal/vm).
func GetRefMut[T any](r *Region, gpa uint64) (*T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	off, err := r.offset(gpa, size)
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&r.data[off])), nil
}

// ReadCString reads a NUL-terminated string starting at gpa, up to limit
// bytes. Returns ErrBoundsViolation if no NUL is found before the region
// ends or before limit bytes have been scanned.
func (r *Region) ReadCString(gpa uint64, limit uint64) (string, error) {
	off, err := r.offset(gpa, 0)
	if err != nil {
		return "", err
	}
	max := r.Size() - off
	if limit < max {
		max = limit
	}
	buf := r.data[off : off+max]
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", ErrBoundsViolation
}
