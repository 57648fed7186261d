package kernelimage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/hermitcore/uhyve-go/internal/memory"
)

// buildMinimalELF writes a single-PT_LOAD, no-section-headers ELF64
// executable to path: vaddr, entry and the code bytes are caller-chosen.
func buildMinimalELF(t *testing.T, path string, vaddr, entry uint64, code []byte, memsz uint64) {
	t.Helper()

	const ehsize = 64
	const phentsize = 56

	buf := make([]byte, ehsize+phentsize+len(code))

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EI_VERSION

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)      // e_type = ET_EXEC
	le.PutUint16(buf[18:], 0x3e)   // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)      // e_version
	le.PutUint64(buf[24:], entry)  // e_entry
	le.PutUint64(buf[32:], ehsize) // e_phoff
	le.PutUint64(buf[40:], 0)      // e_shoff
	le.PutUint32(buf[48:], 0)      // e_flags
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phentsize)
	le.PutUint16(buf[56:], 1) // e_phnum
	le.PutUint16(buf[58:], 0)
	le.PutUint16(buf[60:], 0)
	le.PutUint16(buf[62:], 0)

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)                    // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                    // p_flags = R+X
	le.PutUint64(ph[8:], ehsize+phentsize)     // p_offset
	le.PutUint64(ph[16:], vaddr)               // p_vaddr
	le.PutUint64(ph[24:], vaddr)               // p_paddr
	le.PutUint64(ph[32:], uint64(len(code)))   // p_filesz
	le.PutUint64(ph[40:], memsz)               // p_memsz
	le.PutUint64(ph[48:], 0x1000)              // p_align

	copy(buf[ehsize+phentsize:], code)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadSingleSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.elf")

	const vaddr = 0x40_0000
	const entry = vaddr + 4
	code := []byte{0x90, 0x90, 0x90, 0x90, 0xf4} // nops then hlt
	buildMinimalELF(t, path, vaddr, entry, code, 0x2000)

	mem, err := memory.New(0x2000_0000, memory.MinPhysmemSize+0x10000, false, false)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	const loadOffset = 0x20000
	loaded, err := Load(path, mem, loadOffset)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantLoadAddr := mem.RamStart + loadOffset
	if loaded.LoadAddr != wantLoadAddr {
		t.Fatalf("LoadAddr = 0x%x, want 0x%x", loaded.LoadAddr, wantLoadAddr)
	}
	if loaded.Size != 0x2000 {
		t.Fatalf("Size = 0x%x, want 0x2000", loaded.Size)
	}
	wantEntry := wantLoadAddr + 4
	if loaded.EntryPoint != wantEntry {
		t.Fatalf("EntryPoint = 0x%x, want 0x%x", loaded.EntryPoint, wantEntry)
	}

	got, err := mem.Slice(wantLoadAddr, uint64(len(code)))
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	for i, b := range code {
		if got[i] != b {
			t.Fatalf("byte %d = 0x%x, want 0x%x", i, got[i], b)
		}
	}

	bssByte, err := mem.Slice(wantLoadAddr+uint64(len(code)), 1)
	if err != nil {
		t.Fatalf("Slice bss: %v", err)
	}
	if bssByte[0] != 0 {
		t.Fatalf("expected zero-filled bss, got 0x%x", bssByte[0])
	}
}
