// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for the engine.
package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile replaces path with data in one step. The data is
// staged in a temp file next to the target, synced, then renamed into
// place, so a crash leaves either the old file or the complete new one
// and never a partial write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	// The temp file must share a filesystem with the target for the
	// rename to be atomic.
	tmp, err := os.CreateTemp(dir, filepath.Base(abs)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := stageTemp(tmp, data, perm); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// stageTemp fills the temp file and leaves it closed, synced, and
// carrying the target permissions. CreateTemp opens 0600 regardless of
// umask, so the mode is widened on the open handle before any rename.
func stageTemp(f *os.File, data []byte, perm os.FileMode) error {
	defer f.Close()

	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("set file permissions: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync data: %w", err)
	}
	// Close before the rename so the write is visible on all platforms.
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}
