// Package vm is the orchestrator: it owns the guest memory region, the
// path map, the serial sink and the set of vCPU workers, and drives
// construction (boot layout, kernel load, FDT, boot info) and teardown.
package vm

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/hermitcore/uhyve-go/internal/bootinfo"
	"github.com/hermitcore/uhyve-go/internal/fdt"
	"github.com/hermitcore/uhyve-go/internal/hypercall"
	"github.com/hermitcore/uhyve-go/internal/hypervisor"
	"github.com/hermitcore/uhyve-go/internal/kernelimage"
	"github.com/hermitcore/uhyve-go/internal/memory"
	"github.com/hermitcore/uhyve-go/internal/pathmap"
	"github.com/hermitcore/uhyve-go/internal/serial"
)

// Default boot layout policy. The spec leaves KERNEL_OFFSET and
// KERNEL_STACK_SIZE kernel-specific; these match the values real
// Hermit-family loaders assume when none is supplied out of band.
const (
	defaultKernelOffset  = 0x20_0000 // 2 MiB
	defaultKernelStackSize = 0x8000  // 32 KiB
	defaultRamStart      = 0x2000_0000
)

// PathMapping is one "-file HOST:GUEST" entry.
type PathMapping struct {
	Host  string
	Guest string
}

// SerialConfig selects the guest serial sink.
type SerialConfig struct {
	Mode Mode
	Path string // only used when Mode == ModeFile
}

// Mode is an alias of serial.Mode, re-exported with its constants so
// cmd/uhyve can select a sink without importing internal/serial.
type Mode = serial.Mode

const (
	ModeStdio  = serial.ModeStdio
	ModeFile   = serial.ModeFile
	ModeBuffer = serial.ModeBuffer
	ModeNone   = serial.ModeNone
)

// Config describes one VM to construct.
type Config struct {
	RamStart   uint64 // 0 -> defaultRamStart
	MemorySize uint64
	CPUCount   int

	KernelPath   string
	KernelOffset uint64 // 0 -> defaultKernelOffset
	GuestArgv    []string
	Env          []string // "KEY=VALUE"; nil -> inherit os.Environ()

	Mappings []PathMapping
	TempDir  string // "" -> create one under the system default location

	Serial SerialConfig

	THP, KSM bool
}

// VM is one running (or constructed-but-not-yet-started) guest.
type VM struct {
	kvmFD int
	vmFD  int

	mem     *memory.Region
	pathMap *pathmap.Map
	serial  *serial.Sink

	tempDir    string
	ownTempDir bool

	vcpus []*vcpu

	entryPoint, stackAddr, pml4GPA, gdtBase uint64
}

// New constructs a VM: opens /dev/kvm, allocates and maps guest memory,
// writes the boot layout, loads the kernel, writes the FDT and boot info,
// and creates (but does not start) one vCPU per cfg.CPUCount.
func New(cfg Config) (*VM, error) {
	ramStart := cfg.RamStart
	if ramStart == 0 {
		ramStart = defaultRamStart
	}
	cpuCount := cfg.CPUCount
	if cpuCount == 0 {
		cpuCount = 1
	}
	kernelOffset := cfg.KernelOffset
	if kernelOffset == 0 {
		kernelOffset = defaultKernelOffset
	}

	kvmFD, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: opening /dev/kvm: %w", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("vm: KVM_CREATE_VM: %w", err)
	}

	v := &VM{kvmFD: kvmFD, vmFD: vmFD}

	mem, err := memory.New(ramStart, cfg.MemorySize, cfg.THP, cfg.KSM)
	if err != nil {
		v.Close()
		return nil, err
	}
	v.mem = mem

	if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, mem.RamStart, mem.Size(), uintptr(unsafe.Pointer(&mem.Raw()[0]))); err != nil {
		v.Close()
		return nil, fmt.Errorf("vm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	if err := hypervisor.BuildBootLayout(mem); err != nil {
		v.Close()
		return nil, err
	}

	loaded, err := kernelimage.Load(cfg.KernelPath, mem, kernelOffset)
	if err != nil {
		v.Close()
		return nil, err
	}
	if loaded.LoadAddr < mem.RamStart+defaultKernelStackSize {
		v.Close()
		return nil, fmt.Errorf("vm: kernel offset 0x%x leaves no room for the boot stack below it", kernelOffset)
	}
	stackAddr := loaded.LoadAddr - defaultKernelStackSize

	tempDir := cfg.TempDir
	ownTempDir := false
	if tempDir == "" {
		tempDir, err = pathmap.NewTempDir("")
		if err != nil {
			v.Close()
			return nil, err
		}
		ownTempDir = true
	}
	v.tempDir = tempDir
	v.ownTempDir = ownTempDir

	pathMap := pathmap.New(tempDir)
	for _, m := range cfg.Mappings {
		pathMap.Insert(m.Guest, m.Host)
	}
	v.pathMap = pathMap

	sink, err := newSerialSink(cfg.Serial)
	if err != nil {
		v.Close()
		return nil, err
	}
	v.serial = sink

	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	argv := append([]string{cfg.KernelPath}, cfg.GuestArgv...)

	fdtBlob := fdt.BuildBootTree(fdt.BootParams{
		RAMStart:   mem.RamStart,
		MemorySize: mem.Size(),
		Bootargs:   strings.Join(cfg.GuestArgv, " "),
		AppArgs:    cfg.GuestArgv,
		Env:        env,
	})
	if budget := uint64(hypervisor.BootInfoOffset - hypervisor.FDTOffset); uint64(len(fdtBlob)) > budget {
		v.Close()
		return nil, fmt.Errorf("vm: FDT blob is %d bytes, exceeds the %d-byte budget before BOOT_INFO_OFFSET", len(fdtBlob), budget)
	}
	dest, err := mem.Slice(mem.RamStart+hypervisor.FDTOffset, uint64(len(fdtBlob)))
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("vm: writing FDT: %w", err)
	}
	copy(dest, fdtBlob)

	pml4GPA := mem.RamStart + hypervisor.PML4Offset
	raw := bootinfo.RawBootInfo{
		RAMStart:   mem.RamStart,
		MemorySize: mem.Size(),
		SerialPort: uint16(hypercall.SerialWriteByte),
		FDTAddr:    mem.RamStart + hypervisor.FDTOffset,
		Load: bootinfo.LoadInfo{
			KernelImageAddr: loaded.LoadAddr,
			KernelImageSize: loaded.Size,
			EntryPoint:      loaded.EntryPoint,
			StackAddr:       stackAddr,
			StackSize:       defaultKernelStackSize,
		},
		Platform: bootinfo.PlatformInfo{
			HasPCI:       0,
			CPUCount:     uint64(cpuCount),
			CPUFreqKHz:   uint64(hypervisor.DetectCPUFreqKHz()),
			BootUnixTime: uint64(time.Now().Unix()),
		},
	}
	if err := bootinfo.Write(mem, hypervisor.BootInfoOffset, raw); err != nil {
		v.Close()
		return nil, err
	}

	dispatcher := &hypercall.Dispatcher{
		Mem:     mem,
		PathMap: pathMap,
		Serial:  sink,
		PML4GPA: pml4GPA,
		Argv:    argv,
		Envp:    env,
	}

	gdtBase := mem.RamStart + hypervisor.GDTOffset
	v.entryPoint, v.stackAddr, v.pml4GPA, v.gdtBase = loaded.EntryPoint, stackAddr, pml4GPA, gdtBase

	for i := 0; i < cpuCount; i++ {
		vc, err := newVCPU(vmFD, kvmFD, i, loaded.EntryPoint, stackAddr, gdtBase, pml4GPA, dispatcher)
		if err != nil {
			v.Close()
			return nil, err
		}
		v.vcpus = append(v.vcpus, vc)
	}

	return v, nil
}

func newSerialSink(cfg SerialConfig) (*serial.Sink, error) {
	switch cfg.Mode {
	case serial.ModeFile:
		return serial.NewFile(cfg.Path)
	case serial.ModeBuffer:
		return serial.NewBuffer(), nil
	case serial.ModeNone:
		return serial.NewNone(), nil
	default:
		return serial.NewStdio(), nil
	}
}

// Run starts every vCPU on its own goroutine and blocks until the first
// one reports an outcome, returning its exit code. The other vCPUs are not
// stopped; they keep running until Close releases their resources.
// A non-nil error means some vCPU hit a backend fault rather than the
// guest calling Exit.
func (v *VM) Run() (int32, error) {
	results := make(chan result, len(v.vcpus))

	var wg sync.WaitGroup
	for _, vc := range v.vcpus {
		wg.Add(1)
		go func(vc *vcpu) {
			defer wg.Done()
			code, err := vc.run()
			results <- result{id: vc.id, exitCode: code, err: err}
		}(vc)
	}

	first := <-results
	go func() {
		wg.Wait()
		close(results)
	}()

	if first.err != nil {
		log.Printf("vm: vCPU %d exited with error: %v", first.id, first.err)
		return 0, first.err
	}
	return first.exitCode, nil
}

// Close tears down every vCPU and host resource. Safe to call more than
// once and safe to call on a partially constructed VM.
func (v *VM) Close() error {
	for _, vc := range v.vcpus {
		vc.close()
	}
	v.vcpus = nil

	if v.serial != nil {
		v.serial.Close()
		v.serial = nil
	}
	if v.mem != nil {
		v.mem.Close()
		v.mem = nil
	}
	if v.ownTempDir && v.tempDir != "" {
		os.RemoveAll(v.tempDir)
		v.ownTempDir = false
	}
	if v.vmFD != 0 {
		syscall.Close(v.vmFD)
		v.vmFD = 0
	}
	if v.kvmFD != 0 {
		syscall.Close(v.kvmFD)
		v.kvmFD = 0
	}
	return nil
}

// SerialOutput returns the accumulated buffer-mode serial output. Empty
// for every other sink mode.
func (v *VM) SerialOutput() string {
	if v.serial == nil {
		return ""
	}
	return v.serial.String()
}
