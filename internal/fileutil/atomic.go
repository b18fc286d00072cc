package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureParentDir creates parent directories for the given path if they do not exist.
func EnsureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0755)
}

// WriteFileAtomic writes data to targetPath via a temp file in the same
// directory followed by a rename, so readers never observe a partial write
// and a crash mid-write leaves the previous contents intact.
func WriteFileAtomic(targetPath string, data []byte, perm os.FileMode) error {
	if err := EnsureParentDir(targetPath); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	dir := filepath.Dir(targetPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(targetPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := ReplaceFileAtomically(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", targetPath, err)
	}
	return nil
}

// ReplaceFileAtomically renames tempPath to targetPath. On systems where
// cross-device rename fails, it falls back to remove-then-rename.
func ReplaceFileAtomically(tempPath, targetPath string) error {
	if err := os.Rename(tempPath, targetPath); err == nil {
		return nil
	}

	if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return os.Rename(tempPath, targetPath)
}
