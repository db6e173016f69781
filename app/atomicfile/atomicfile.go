// Package atomicfile replaces a file all-or-nothing. New content goes to a temporary sibling
// and is renamed over the target; readers see either the old or the new content, never a mix.
// A single backup generation is kept while the replace is in progress.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/go-pkgz/lgr"
)

// File is a target path with atomic replace semantics
type File struct {
	path   string
	backup string
}

// Handle is an in-progress write. Write to it and pass to File.Commit or File.Abort
type Handle struct {
	*os.File
	done bool
}

// New makes File for path, the file itself is not touched
func New(path string) *File {
	return &File{path: path, backup: path + ".bak"}
}

// Path returns target path
func (f *File) Path() string { return f.path }

// BeginWrite creates temporary sibling file for the new content
func (f *File) BeginWrite() (*Handle, error) {
	dir, base := filepath.Split(f.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("can't create temp file for %s: %w", f.path, err)
	}
	return &Handle{File: tmp}, nil
}

// Commit syncs the written content and replaces target with it. On error the previous content stays in place
func (f *File) Commit(h *Handle) error {
	if h == nil || h.done {
		return errors.New("handle already finished")
	}
	h.done = true
	tmpName := h.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after successful rename

	if err := h.Sync(); err != nil {
		_ = h.Close()
		return fmt.Errorf("can't sync %s: %w", tmpName, err)
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("can't close %s: %w", tmpName, err)
	}

	if err := f.keepBackup(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("can't replace %s: %w", f.path, err)
	}
	syncDir(filepath.Dir(f.path))

	if err := os.Remove(f.backup); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] can't remove backup %s, %v", f.backup, err)
	}
	return nil
}

// Abort drops in-progress write, target is untouched
func (f *File) Abort(h *Handle) {
	if h == nil || h.done {
		return
	}
	h.done = true
	_ = h.Close()
	if err := os.Remove(h.Name()); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] can't remove temp file %s, %v", h.Name(), err)
	}
}

// WriteFile replaces target content with data
func (f *File) WriteFile(data []byte) error {
	h, err := f.BeginWrite()
	if err != nil {
		return err
	}
	if _, err := h.Write(data); err != nil {
		f.Abort(h)
		return fmt.Errorf("can't write %s: %w", h.Name(), err)
	}
	return f.Commit(h)
}

// OpenRead opens current content. If a replace was interrupted and only the backup survived,
// the backup is restored first. Returns os.ErrNotExist error if nothing was ever committed.
func (f *File) OpenRead() (io.ReadCloser, error) {
	if _, err := os.Stat(f.backup); err == nil {
		if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
			log.Printf("[INFO] restore %s from backup", f.path)
			if err := os.Rename(f.backup, f.path); err != nil {
				return nil, fmt.Errorf("can't restore backup %s: %w", f.backup, err)
			}
		} else {
			// target is complete, rename is atomic
			if err := os.Remove(f.backup); err != nil {
				log.Printf("[WARN] can't remove stale backup %s, %v", f.backup, err)
			}
		}
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("can't open %s: %w", f.path, err)
	}
	return fh, nil
}

// ReadFile returns current content, see OpenRead
func (f *File) ReadFile() ([]byte, error) {
	fh, err := f.OpenRead()
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return io.ReadAll(fh)
}

// Delete removes target and backup
func (f *File) Delete() error {
	var errs []error
	for _, p := range []string{f.path, f.backup} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// keepBackup links current target as backup generation unless one is already there
func (f *File) keepBackup() error {
	if _, err := os.Stat(f.backup); err == nil {
		return nil // previous replace was interrupted, its backup is older and still valid
	}
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.Link(f.path, f.backup); err == nil {
		return nil
	}
	// filesystem without hard links, copy
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("can't read %s for backup: %w", f.path, err)
	}
	if err := os.WriteFile(f.backup, data, 0o600); err != nil {
		return fmt.Errorf("can't write backup %s: %w", f.backup, err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // dir of our own target
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
