// Package guard acquires a host-wide named lock so at most one agent
// process runs at a time. No file-locking library is present anywhere in
// the retrieved reference corpus, so this is built directly on
// golang.org/x/sys/unix.Flock, which the teacher pack already depends on
// transitively for OS-level syscalls (the same family as
// common/pkg/utils/links.go's use of the syscall package for O_NOFOLLOW and
// hardlink detection).
package guard

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Guard holds the host-wide lock for the lifetime of the process.
type Guard struct {
	file *os.File
}

// Acquire takes the named lock at path, failing immediately if another
// process already holds it.
func Acquire(path string) (*Guard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640) // #nosec G302 -- lock file, not secret
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another agent instance already holds %s: %w", path, err)
	}

	return &Guard{file: f}, nil
}

// Release drops the lock. Safe to call once; the OS also releases the lock
// automatically if the process is terminated without calling Release.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	if err := unix.Flock(int(g.file.Fd()), unix.LOCK_UN); err != nil {
		g.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	return g.file.Close()
}
