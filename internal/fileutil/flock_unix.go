//go:build !windows
// +build !windows

package fileutil

import (
	"fmt"
	"os"
	"syscall"
)

// FlockExclusive acquires an exclusive lock on the file without blocking.
// Returns an error immediately if another process holds the lock. The lock
// is released by Funlock or automatically when the process exits.
func FlockExclusive(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock: %w", err)
	}
	return nil
}

// Funlock releases the lock on the file.
func Funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
