// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks files that AtomicWriteFile has not yet renamed into place.
const tempPrefix = ".tmp-"

// AtomicWriteFile replaces path with data. Readers see either the previous
// content or all of data, never a prefix of it. Missing parent directories
// are created with mode 0755.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return AtomicWriteFileWithDir(path, data, perm, 0755)
}

// AtomicWriteFileWithDir is AtomicWriteFile with an explicit mode for
// created parent directories.
func AtomicWriteFileWithDir(path string, data []byte, filePerm, dirPerm os.FileMode) (err error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// Same directory as the target so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	steps := []struct {
		what string
		run  func() error
	}{
		{"write", func() error {
			_, werr := tmp.Write(data)
			return werr
		}},
		{"sync", tmp.Sync},
		{"close", tmp.Close}, // Windows refuses to rename an open file
		{"chmod", func() error { return os.Chmod(tmp.Name(), filePerm) }},
		{"rename", func() error { return os.Rename(tmp.Name(), target) }},
	}
	for _, step := range steps {
		if err = step.run(); err != nil {
			return fmt.Errorf("atomic write %s: %s: %w", target, step.what, err)
		}
	}
	return nil
}

// IsTempFile reports whether name is a leftover AtomicWriteFile temp file.
// Directory scanners use it to skip files from interrupted writes.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}
