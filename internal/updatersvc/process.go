package updatersvc

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid still refers to a running process, using
// signal 0 (a no-op existence probe) the same way internal/guard uses
// golang.org/x/sys/unix for low-level OS primitives the standard library
// doesn't expose directly.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
