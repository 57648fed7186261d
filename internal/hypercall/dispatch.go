package hypercall

import (
	"log"

	"github.com/hermitcore/uhyve-go/internal/memory"
	"github.com/hermitcore/uhyve-go/internal/pathmap"
	"github.com/hermitcore/uhyve-go/internal/serial"
)

// Dispatcher decodes port-I/O hypercall exits into parameter records and
// runs the corresponding handler. One Dispatcher serves every vCPU of a
// VM; it holds no per-vCPU state, only the shared guest memory, path map
// and serial sink.
//
// Invariant: Dispatch must not be called twice concurrently with the same
// data address before the first call returns. The guest's vCPU is halted
// for the duration of one call, so this holds as long as callers route
// one hypercall at a time per vCPU and this Dispatcher is only ever shared
// the way internal/vm shares it (pathmap and serial each carry their own
// lock; mem has none and relies on the halted-vCPU invariant).
type Dispatcher struct {
	Mem      *memory.Region
	PathMap  *pathmap.Map
	Serial   *serial.Sink
	PML4GPA  uint64
	Argv     []string // kernel path followed by guest-supplied argv
	Envp     []string // "KEY=VALUE" strings
}

// Dispatch handles one exit on port with the 64-bit value the guest wrote
// to it. exited reports whether the guest issued Exit; exitCode is only
// meaningful when exited is true. A non-nil error is fatal to the whole
// VM; it is returned in two cases: a host I/O error on the serial sink,
// and a failed host write() on a guest-opened fd.
func (d *Dispatcher) Dispatch(port uint16, data uint64) (exitCode int32, exited bool, err error) {
	switch Port(port) {
	case SerialWriteByte:
		// Special-cased: the payload is the low byte of data, no memory
		// borrow is taken.
		if werr := d.Serial.WriteByte(byte(data)); werr != nil {
			return 0, false, werr
		}
		return 0, false, nil

	case SerialBufferWrite:
		if werr := d.handleSerialBuffer(data); werr != nil {
			return 0, false, werr
		}
		return 0, false, nil

	case FileOpen:
		d.handleOpen(data)
		return 0, false, nil

	case FileClose:
		d.handleClose(data)
		return 0, false, nil

	case FileRead:
		d.handleRead(data)
		return 0, false, nil

	case FileWrite:
		if werr := d.handleWrite(data); werr != nil {
			return 0, false, werr
		}
		return 0, false, nil

	case FileLseek:
		d.handleLseek(data)
		return 0, false, nil

	case FileUnlink:
		d.handleUnlink(data)
		return 0, false, nil

	case Cmdsize:
		d.handleCmdsize(data)
		return 0, false, nil

	case Cmdval:
		d.handleCmdval(data)
		return 0, false, nil

	case Exit:
		return int32(data), true, nil

	default:
		log.Printf("hypercall: unhandled port 0x%x (data 0x%x)", port, data)
		return 0, false, nil
	}
}

// borrow resolves gpa to a mutable typed reference into guest memory,
// logging and skipping the call on a bounds violation — per the error
// handling design, a parameter record outside guest memory is never
// fatal.
func borrow[T any](d *Dispatcher, gpa uint64, what string) (*T, bool) {
	rec, err := memory.GetRefMut[T](d.Mem, gpa)
	if err != nil {
		log.Printf("hypercall: %s parameter record at 0x%x: %v", what, gpa, err)
		return nil, false
	}
	return rec, true
}
