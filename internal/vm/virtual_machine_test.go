package vm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildHypercallKernel assembles a minimal x86-64 ELF that, running
// directly in the long mode a vCPU starts in, writes one serial byte and
// then exits with a fixed code. Both hypercalls are issued with the
// `out dx, eax` encoding: ports above 0xff cannot use the imm8 form.
func buildHypercallKernel(t *testing.T, path string, vaddr uint64, serialByte byte, exitCode uint32) {
	t.Helper()

	code := []byte{
		0x66, 0xba, 0x99, 0x04, // mov dx, 0x0499 (SerialWriteByte)
		0xb8, serialByte, 0x00, 0x00, 0x00, // mov eax, serialByte
		0xef,                   // out dx, eax
		0x66, 0xba, 0x40, 0x05, // mov dx, 0x0540 (Exit)
	}
	code = append(code, 0xb8) // mov eax, exitCode
	var imm [4]byte
	binary.LittleEndian.PutUint32(imm[:], exitCode)
	code = append(code, imm[:]...)
	code = append(code, 0xef) // out dx, eax

	const ehsize = 64
	const phentsize = 56
	buf := make([]byte, ehsize+phentsize+len(code))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 0x3e)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], vaddr)
	le.PutUint64(buf[32:], ehsize)
	le.PutUint64(buf[40:], 0)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phentsize)
	le.PutUint16(buf[56:], 1)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 5) // R+X
	le.PutUint64(ph[8:], ehsize+phentsize)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(len(code)))
	le.PutUint64(ph[40:], uint64(len(code)))
	le.PutUint64(ph[48:], 0x1000)

	copy(buf[ehsize+phentsize:], code)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// requireKVM skips the test when /dev/kvm is not available to this
// process, which is the case in most sandboxed build environments.
func requireKVM(t *testing.T) {
	t.Helper()
	f, err := os.Open("/dev/kvm")
	if err != nil {
		t.Skipf("/dev/kvm not available: %v", err)
	}
	f.Close()
}

func TestVMBootSerialByteAndExit(t *testing.T) {
	requireKVM(t)

	dir := t.TempDir()
	kernelPath := filepath.Join(dir, "kernel.elf")
	const kernelVaddr = 0x40_0000
	buildHypercallKernel(t, kernelPath, kernelVaddr, 'U', 42)

	machine, err := New(Config{
		MemorySize: 4 * 1024 * 1024,
		CPUCount:   1,
		KernelPath: kernelPath,
		Serial:     SerialConfig{Mode: ModeBuffer},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer machine.Close()

	code, err := machine.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 42 {
		t.Fatalf("exit code = %d, want 42", code)
	}
	if got := machine.SerialOutput(); got != "U" {
		t.Fatalf("serial output = %q, want %q", got, "U")
	}
}
