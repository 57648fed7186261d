// Package pathmap maintains the guest-to-host path allow-list: explicit
// mappings given on the command line, ancestor-directory traversal with
// caching, create-on-miss temporary file allocation, and the set of host
// file descriptors currently open on behalf of the guest.
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Map is the shared, lock-guarded path map and open-fd set described in
// the concurrency model. Each method holds mu only for its own duration;
// the host syscalls a hypercall handler makes between calls to these
// methods run without it.
type Map struct {
	mu       sync.Mutex
	entries  map[string]string // guest path -> host path
	openFDs  map[int]struct{}
	tempDir  string
	tempSeq  int
}

// New creates an empty path map rooted at tempDir for create-on-miss
// temporary files.
func New(tempDir string) *Map {
	return &Map{
		entries: make(map[string]string),
		openFDs: make(map[int]struct{}),
		tempDir: tempDir,
	}
}

// ParseMapping splits a "host_path:guest_path" command-line argument. If no
// guest path is given, it defaults to "/root/<host file name>", matching
// the convention guest unikernels expect for unmapped paths.
func ParseMapping(arg string) (hostPath, guestPath string) {
	parts := strings.SplitN(arg, ":", 2)
	hostPath = parts[0]
	if len(parts) == 2 && parts[1] != "" {
		guestPath = parts[1]
		return
	}
	guestPath = filepath.Join("/root", filepath.Base(hostPath))
	return
}

// Insert adds or overwrites the mapping for guestPath. hostPath is
// canonicalized when possible (resolving symlinks and relative components);
// if canonicalization fails the path is retained verbatim. Last write
// wins, matching the data model's uniqueness rule.
func (m *Map) Insert(guestPath, hostPath string) {
	resolved := hostPath
	if abs, err := filepath.Abs(hostPath); err == nil {
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			resolved = real
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[guestPath] = resolved
}

// GetHostPath resolves guestPath to a host path: an exact match, an
// ancestor-directory match (whose suffix is appended and cached), or a
// miss.
func (m *Map) GetHostPath(guestPath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getHostPathLocked(guestPath)
}

func (m *Map) getHostPathLocked(guestPath string) (string, bool) {
	if host, ok := m.entries[guestPath]; ok {
		return host, true
	}

	clean := filepath.Clean(guestPath)
	dir := filepath.Dir(clean)
	for {
		if host, ok := m.entries[dir]; ok {
			suffix, err := filepath.Rel(dir, clean)
			if err != nil {
				return "", false
			}
			resolved := filepath.Join(host, suffix)
			m.entries[clean] = resolved
			return resolved, true
		}
		if dir == "/" || dir == "." {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// CreateTemporaryFile allocates a fresh host path inside the per-VM
// temporary directory, inserts it into the map keyed by guestPath, and
// returns it ready for an exclusive-create host open. The file name
// includes the guest path's base name to aid debugging, disambiguated with
// a counter to avoid collisions when several create-on-miss opens share a
// basename.
func (m *Map) CreateTemporaryFile(guestPath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tempSeq++
	name := fmt.Sprintf("%04d-%s", m.tempSeq, filepath.Base(guestPath))
	hostPath := filepath.Join(m.tempDir, name)
	m.entries[guestPath] = hostPath
	return hostPath, nil
}

// InsertFD records fd as open on behalf of the guest. Per policy, failed
// opens (fd < 0) and the standard streams (0, 1, 2) are never tracked.
func (m *Map) InsertFD(fd int) {
	if fd < 0 || fd == 0 || fd == 1 || fd == 2 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openFDs[fd] = struct{}{}
}

// RemoveFD stops tracking fd.
func (m *Map) RemoveFD(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openFDs, fd)
}

// IsFDPresent reports whether fd is currently tracked as open.
func (m *Map) IsFDPresent(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.openFDs[fd]
	return ok
}

// NewTempDir creates the per-VM scratch directory: mode 0700, named
// "<uuidv4>-uhyve", inside parent (or the system default temp location if
// parent is empty). The caller owns removing it on VM teardown.
func NewTempDir(parent string) (string, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	name := uuid.NewString() + "-uhyve"
	path := filepath.Join(parent, name)
	if err := os.Mkdir(path, 0o700); err != nil {
		return "", fmt.Errorf("pathmap: creating temp dir: %w", err)
	}
	return path, nil
}
