// Package fsutil writes small files so that readers see either the old
// content or the new, never a torn file.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWrite replaces path with data. Parent directories are created.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	return publish(path, data, perm, os.Rename)
}

// AtomicCreate writes data to path only if nothing exists there yet. It
// returns an error wrapping os.ErrExist otherwise, and never leaves a partial
// file behind.
func AtomicCreate(path string, data []byte, perm os.FileMode) error {
	return publish(path, data, perm, os.Link)
}

// publish stages data in a synced temp file beside path and moves it into
// place with place, which is os.Rename (clobber) or os.Link (no clobber).
func publish(path string, data []byte, perm os.FileMode, place func(oldpath, newpath string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	staged, err := stage(dir, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(staged)

	if err := place(staged, path); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return FsyncDir(dir)
}

func stage(dir string, data []byte, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, ".lockd-tmp-*")
	if err != nil {
		return "", fmt.Errorf("stage file: %w", err)
	}
	name := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Chmod(perm)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name)
		return "", fmt.Errorf("stage file: %w", err)
	}
	return name, nil
}

// FsyncDir syncs a directory so a rename or link inside it survives a crash.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}
