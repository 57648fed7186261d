package hypercall

// Parameter records: guest-memory-resident structures a handler reads and
// mutates in place. Field order follows the uhyve-interface parameter
// layout (GuestPhysAddr fields are the wire "buf"/"name" addresses). The
// records are not packed: Go lays them out with natural field alignment,
// as a C compiler would on amd64/arm64, so e.g. ReadParams and WriteParams
// have four bytes of padding after Fd.

// OpenParams backs the FileOpen hypercall.
type OpenParams struct {
	Name  uint64 // guest-physical address of a NUL-terminated path
	Flags int32
	Mode  int32
	Ret   int32
}

// CloseParams backs the FileClose hypercall.
type CloseParams struct {
	Fd  int32
	Ret int32
}

// ReadParams backs the FileRead hypercall.
type ReadParams struct {
	Fd  int32
	Buf uint64 // guest-virtual address
	Len uint64
	Ret int64
}

// WriteParams backs the FileWrite hypercall. There is deliberately no Ret
// field: host I/O errors on a write are reported to the caller process,
// not to the guest.
type WriteParams struct {
	Fd  int32
	Buf uint64 // guest-virtual address
	Len uint64
}

// LseekParams backs the FileLseek hypercall.
type LseekParams struct {
	Fd     int32
	Offset int64
	Whence int32
	Ret    int64
}

// UnlinkParams backs the FileUnlink hypercall.
type UnlinkParams struct {
	Name uint64 // guest-physical address of a NUL-terminated path
	Ret  int32
}

// SerialBufferParams backs the SerialBufferWrite hypercall.
type SerialBufferParams struct {
	Buf uint64 // guest-physical address
	Len uint64
}

// SyssizeParams backs the Cmdsize hypercall: the guest queries counts and
// total byte sizes before supplying destination buffers to Cmdval.
type SyssizeParams struct {
	Argc   int32
	Envc   int32
	Argsz  int32
	Envsz  int32
}

// CmdvalParams backs the Cmdval hypercall: argv/envp are guest-physical
// addresses of arrays of guest-physical addresses, each slot a destination
// buffer the handler fills with a NUL-terminated string.
type CmdvalParams struct {
	Argv uint64
	Envp uint64
}

// MaxArgcEnvc bounds how many argv/envp slots Cmdval will fill, matching
// the guest-side array Cmdsize told it to allocate.
const MaxArgcEnvc = 512
