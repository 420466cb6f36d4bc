package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomicDurable writes data to path by creating a sibling
// "path.tmp" file, fsyncing it, renaming it over path, and fsyncing the
// containing directory so the rename survives a crash. A ".bak" copy of
// the previous contents is written best-effort before the swap, for
// manifests that want a fallback copy. Grounded in the teacher's
// writeFileAtomic/createFileDurable helpers (core/file.go), generalized
// to operate on a path rather than an already-open *os.File.
func writeFileAtomicDurable(path string, data []byte, keepBackup bool) error {
	dir := filepath.Dir(path)

	if keepBackup {
		if old, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", old, 0o644)
		}
	}

	tmpPath := path + ".tmp"
	tmpf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create temp manifest: %v", ErrIoFailure, err)
	}

	if _, err := tmpf.Write(data); err != nil {
		_ = tmpf.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write temp manifest: %v", ErrIoFailure, err)
	}
	if err := tmpf.Sync(); err != nil {
		_ = tmpf.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: sync temp manifest: %v", ErrIoFailure, err)
	}
	if err := tmpf.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp manifest: %v", ErrIoFailure, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename manifest into place: %v", ErrIoFailure, err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}

// createFileDurable creates (or opens) name under dir and fsyncs both the
// file and its containing directory so its existence survives a crash.
func createFileDurable(dir, name string) (*os.File, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %q: %v", ErrIoFailure, path, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync %q: %v", ErrIoFailure, path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return f, nil
}
