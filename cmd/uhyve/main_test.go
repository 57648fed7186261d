package main

import (
	"testing"

	"github.com/hermitcore/uhyve-go/internal/vm"
)

func TestParseMemSize(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"512M", 512 * 1024 * 1024, false},
		{"2G", 2 * 1024 * 1024 * 1024, false},
		{"4096", 4096, false},
		{"64K", 64 * 1024, false},
		{"", 0, true},
		{"nope", 0, true},
	}
	for _, c := range cases {
		got, err := parseMemSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseMemSize(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMemSize(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseMemSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSplitAfterSeparator(t *testing.T) {
	kernel, argv := splitAfterSeparator([]string{"kernel.elf", "--", "a", "b"})
	if kernel != "kernel.elf" || len(argv) != 2 || argv[0] != "a" || argv[1] != "b" {
		t.Fatalf("got kernel=%q argv=%v", kernel, argv)
	}

	kernel, argv = splitAfterSeparator([]string{"kernel.elf"})
	if kernel != "kernel.elf" || argv != nil {
		t.Fatalf("got kernel=%q argv=%v", kernel, argv)
	}

	kernel, _ = splitAfterSeparator(nil)
	if kernel != "" {
		t.Fatalf("expected empty kernel path for no args, got %q", kernel)
	}
}

func TestParseSerialOutput(t *testing.T) {
	cfg, err := parseSerialOutput("stdio")
	if err != nil || cfg.Mode != vm.ModeStdio {
		t.Fatalf("stdio: cfg=%+v err=%v", cfg, err)
	}

	cfg, err = parseSerialOutput("file:/tmp/out.log")
	if err != nil || cfg.Mode != vm.ModeFile || cfg.Path != "/tmp/out.log" {
		t.Fatalf("file: cfg=%+v err=%v", cfg, err)
	}

	if _, err := parseSerialOutput("file:"); err == nil {
		t.Fatal("expected error for file: with no path")
	}
	if _, err := parseSerialOutput("bogus"); err == nil {
		t.Fatal("expected error for unrecognized mode")
	}
}
