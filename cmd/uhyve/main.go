// Command uhyve boots a single Hermit-family unikernel ELF inside a
// KVM-accelerated virtual machine.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hermitcore/uhyve-go/internal/pathmap"
	"github.com/hermitcore/uhyve-go/internal/vm"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("uhyve", flag.ContinueOnError)

	memFlag := fs.String("mem", "64M", "guest memory size, accepts K/M/G suffixes")
	cpus := fs.Int("cpus", 1, "number of vCPUs")
	var files stringList
	fs.Var(&files, "file", "host file mapping HOST:GUEST, repeatable")
	output := fs.String("output", "stdio", "guest serial output: stdio|file:PATH|buffer|none")
	tmpdir := fs.String("tmpdir", "", "directory for the VM's temporary file scratch space")
	thp := fs.Bool("thp", false, "advise transparent huge pages for guest memory")
	ksm := fs.Bool("ksm", false, "advise same-page merging for guest memory")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	positional := fs.Args()
	kernelPath, guestArgv := splitAfterSeparator(positional)
	if kernelPath == "" {
		fmt.Fprintln(os.Stderr, "uhyve: missing kernel path")
		return 1
	}

	memSize, err := parseMemSize(*memFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
		return 1
	}

	serialCfg, err := parseSerialOutput(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
		return 1
	}

	mappings := make([]vm.PathMapping, 0, len(files))
	for _, f := range files {
		host, guest := pathmap.ParseMapping(f)
		mappings = append(mappings, vm.PathMapping{Host: host, Guest: guest})
	}

	machine, err := vm.New(vm.Config{
		MemorySize: memSize,
		CPUCount:   *cpus,
		KernelPath: kernelPath,
		GuestArgv:  guestArgv,
		Mappings:   mappings,
		TempDir:    *tmpdir,
		Serial:     serialCfg,
		THP:        *thp,
		KSM:        *ksm,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
		return 1
	}
	defer machine.Close()

	code, err := machine.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
		return 1
	}
	return int(code)
}

// stringList accumulates repeated -file flags.
type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// splitAfterSeparator treats the first positional argument as the kernel
// path and everything after a literal "--" as the guest's own argv.
func splitAfterSeparator(args []string) (kernelPath string, guestArgv []string) {
	for i, a := range args {
		if a == "--" {
			if i == 0 {
				return "", args[1:]
			}
			return args[0], args[i+1:]
		}
	}
	if len(args) == 0 {
		return "", nil
	}
	return args[0], nil
}

func parseSerialOutput(s string) (vm.SerialConfig, error) {
	switch {
	case s == "stdio":
		return vm.SerialConfig{Mode: vm.ModeStdio}, nil
	case s == "buffer":
		return vm.SerialConfig{Mode: vm.ModeBuffer}, nil
	case s == "none":
		return vm.SerialConfig{Mode: vm.ModeNone}, nil
	case strings.HasPrefix(s, "file:"):
		path := strings.TrimPrefix(s, "file:")
		if path == "" {
			return vm.SerialConfig{}, fmt.Errorf("-output file: requires a path")
		}
		return vm.SerialConfig{Mode: vm.ModeFile, Path: path}, nil
	default:
		return vm.SerialConfig{}, fmt.Errorf("-output %q: expected stdio|file:PATH|buffer|none", s)
	}
}

// parseMemSize accepts a plain byte count or a value with a K/M/G suffix.
func parseMemSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("-mem requires a value")
	}
	mult := uint64(1)
	switch suffix := s[len(s)-1]; suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("-mem %q: %w", s, err)
	}
	return n * mult, nil
}
