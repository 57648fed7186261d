// Package hypercall decodes port-I/O hypercall exits into typed parameter
// records and implements the per-call semantics: file open/close/read/
// write/lseek/unlink mediated by the path map, serial output, exit, and
// command-line/environment copy-out.
package hypercall

// Port is a reserved 16-bit I/O port number carrying one hypercall kind.
type Port uint16

// Hypercall port assignments. Any disjoint 16-bit values satisfy the
// guest/host contract; these are this implementation's own numbering.
const (
	SerialWriteByte    Port = 0x499
	SerialBufferWrite  Port = 0x49a
	FileOpen           Port = 0x510
	FileClose          Port = 0x511
	FileRead           Port = 0x512
	FileWrite          Port = 0x513
	FileLseek          Port = 0x514
	FileUnlink         Port = 0x515
	Cmdsize            Port = 0x520
	Cmdval             Port = 0x521
	Exit               Port = 0x540
)

// Open flag constants, as accepted from the guest. Values outside
// AllowedOpenFlags are silently masked off by Dispatch's handlers.
const (
	ORdonly   int32 = 0
	OWronly   int32 = 0o0001
	ORdwr     int32 = 0o0002
	OCreat    int32 = 0o0100
	OExcl     int32 = 0o0200
	OTrunc    int32 = 0o1000
	OAppend   int32 = 0o2000
	ODirect   int32 = 0o40000
	ODirectory int32 = 0o200000
)

// AllowedOpenFlags is the union of flag bits a guest open() may set; any
// other bit is masked off before the host call.
const AllowedOpenFlags = OWronly | ORdwr | OCreat | OExcl | OTrunc | OAppend | ODirect | ODirectory

// POSIX errno values hypercall handlers return negated in a Ret field.
const (
	ENOENT int32 = 2
	EBADF  int32 = 9
	EINVAL int32 = 22
	EFAULT int32 = 14
)
