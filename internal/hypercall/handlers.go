package hypercall

import (
	"fmt"
	"log"
	"syscall"

	"github.com/hermitcore/uhyve-go/internal/hypervisor"
	"github.com/hermitcore/uhyve-go/internal/memory"
)

// EIO is used when a host syscall fails without a syscall.Errno we can
// forward verbatim.
const EIO int32 = 5

func errnoOf(err error) int32 {
	if errno, ok := err.(syscall.Errno); ok {
		return int32(errno)
	}
	return EIO
}

const maxPathLen = 4096

func (d *Dispatcher) handleOpen(gpa uint64) {
	rec, ok := borrow[OpenParams](d, gpa, "open")
	if !ok {
		return
	}

	guestPath, err := d.Mem.ReadCString(rec.Name, maxPathLen)
	if err != nil {
		rec.Ret = -EFAULT
		return
	}

	flags := rec.Flags & AllowedOpenFlags
	if flags&ODirectory != 0 && flags&OCreat != 0 {
		rec.Ret = -EINVAL
		return
	}

	hostPath, ok := d.PathMap.GetHostPath(guestPath)
	if !ok {
		if flags&OCreat == 0 {
			rec.Ret = -ENOENT
			return
		}
		hostPath, err = d.PathMap.CreateTemporaryFile(guestPath)
		if err != nil {
			rec.Ret = -EIO
			return
		}
		flags |= OExcl
	}

	fd, err := syscall.Open(hostPath, int(flags), uint32(rec.Mode))
	if err != nil {
		rec.Ret = -errnoOf(err)
		return
	}
	d.PathMap.InsertFD(fd)
	rec.Ret = int32(fd)
}

func (d *Dispatcher) handleClose(gpa uint64) {
	rec, ok := borrow[CloseParams](d, gpa, "close")
	if !ok {
		return
	}

	fd := int(rec.Fd)
	if fd == 0 || fd == 1 || fd == 2 {
		rec.Ret = 0
		return
	}
	if !d.PathMap.IsFDPresent(fd) {
		rec.Ret = -EBADF
		return
	}
	if err := syscall.Close(fd); err != nil {
		rec.Ret = -errnoOf(err)
		return
	}
	d.PathMap.RemoveFD(fd)
	rec.Ret = 0
}

func (d *Dispatcher) handleRead(gpa uint64) {
	rec, ok := borrow[ReadParams](d, gpa, "read")
	if !ok {
		return
	}

	fd := int(rec.Fd)
	if !d.PathMap.IsFDPresent(fd) {
		rec.Ret = int64(-EBADF)
		return
	}

	phys, err := hypervisor.VirtToPhys(d.Mem, rec.Buf, d.PML4GPA)
	if err != nil {
		rec.Ret = int64(-EFAULT)
		return
	}
	buf, err := d.Mem.Slice(phys, rec.Len)
	if err != nil {
		rec.Ret = int64(-EFAULT)
		return
	}

	n, err := syscall.Read(fd, buf)
	if err != nil {
		rec.Ret = -1
		return
	}
	rec.Ret = int64(n)
}

// handleWrite reports a fatal error only on a genuine host write failure:
// translation and bounds failures silently stop the loop with whatever
// was written so far, per the write handler's "short no-op is fine"
// design — there is no Ret field to carry a partial-progress signal back
// to the guest.
func (d *Dispatcher) handleWrite(gpa uint64) error {
	rec, ok := borrow[WriteParams](d, gpa, "write")
	if !ok {
		return nil
	}

	fd := int(rec.Fd)
	if fd == 1 || fd == 2 {
		phys, err := hypervisor.VirtToPhys(d.Mem, rec.Buf, d.PML4GPA)
		if err != nil {
			return nil
		}
		buf, err := d.Mem.Slice(phys, rec.Len)
		if err != nil {
			return nil
		}
		return d.Serial.Write(buf)
	}

	if !d.PathMap.IsFDPresent(fd) {
		return nil
	}

	var written uint64
	for written != rec.Len {
		phys, err := hypervisor.VirtToPhys(d.Mem, rec.Buf+written, d.PML4GPA)
		if err != nil {
			return nil
		}
		remaining := rec.Len - written
		buf, err := d.Mem.Slice(phys, remaining)
		if err != nil {
			return nil
		}
		n, err := syscall.Write(fd, buf)
		if err != nil {
			return fmt.Errorf("hypercall: write(fd=%d): %w", fd, err)
		}
		written += uint64(n)
	}
	return nil
}

func (d *Dispatcher) handleLseek(gpa uint64) {
	rec, ok := borrow[LseekParams](d, gpa, "lseek")
	if !ok {
		return
	}

	fd := int(rec.Fd)
	if !d.PathMap.IsFDPresent(fd) {
		log.Printf("hypercall: lseek on untracked fd %d", fd)
		rec.Ret = -1
		return
	}

	newOffset, err := syscall.Seek(fd, rec.Offset, int(rec.Whence))
	if err != nil {
		rec.Ret = -1
		return
	}
	rec.Ret = newOffset
}

func (d *Dispatcher) handleUnlink(gpa uint64) {
	rec, ok := borrow[UnlinkParams](d, gpa, "unlink")
	if !ok {
		return
	}

	guestPath, err := d.Mem.ReadCString(rec.Name, maxPathLen)
	if err != nil {
		rec.Ret = -EFAULT
		return
	}

	hostPath, ok := d.PathMap.GetHostPath(guestPath)
	if !ok {
		rec.Ret = -ENOENT
		return
	}
	if err := syscall.Unlink(hostPath); err != nil {
		rec.Ret = -errnoOf(err)
		return
	}
	rec.Ret = 0
}

func (d *Dispatcher) handleSerialBuffer(gpa uint64) error {
	rec, ok := borrow[SerialBufferParams](d, gpa, "serial buffer")
	if !ok {
		return nil
	}

	buf, err := d.Mem.Slice(rec.Buf, rec.Len)
	if err != nil {
		log.Printf("hypercall: serial buffer out of bounds: %v", err)
		return nil
	}
	return d.Serial.Write(buf)
}

func (d *Dispatcher) handleCmdsize(gpa uint64) {
	rec, ok := borrow[SyssizeParams](d, gpa, "cmdsize")
	if !ok {
		return
	}

	argc := clampCount(len(d.Argv))
	envc := clampCount(len(d.Envp))

	var argsz, envsz int32
	for _, a := range d.Argv[:argc] {
		argsz += int32(len(a) + 1)
	}
	for _, e := range d.Envp[:envc] {
		envsz += int32(len(e) + 1)
	}

	rec.Argc = int32(argc)
	rec.Envc = int32(envc)
	rec.Argsz = argsz
	rec.Envsz = envsz
}

func (d *Dispatcher) handleCmdval(gpa uint64) {
	rec, ok := borrow[CmdvalParams](d, gpa, "cmdval")
	if !ok {
		return
	}

	d.writeStringArray(rec.Argv, d.Argv)
	d.writeStringArray(rec.Envp, d.Envp)
}

// writeStringArray fills each destination slot named by the guest-supplied
// array at destArrayGPA (one guest-physical pointer per 8 bytes) with a
// NUL-terminated copy of the matching string.
func (d *Dispatcher) writeStringArray(destArrayGPA uint64, values []string) {
	n := clampCount(len(values))
	for i := 0; i < n; i++ {
		slotGPA := destArrayGPA + uint64(i)*8
		destGPA, err := memory.ReadTyped[uint64](d.Mem, slotGPA)
		if err != nil {
			log.Printf("hypercall: cmdval destination slot %d out of bounds: %v", i, err)
			return
		}

		s := values[i]
		buf, err := d.Mem.Slice(destGPA, uint64(len(s)+1))
		if err != nil {
			log.Printf("hypercall: cmdval destination buffer %d out of bounds: %v", i, err)
			continue
		}
		copy(buf, s)
		buf[len(s)] = 0
	}
}

func clampCount(n int) int {
	if n > MaxArgcEnvc {
		return MaxArgcEnvc
	}
	return n
}
