//go:build linux

package uring

import (
	"fmt"

	"github.com/coroio/uring/internal/sys"
)

// installSparseFiles registers a fixed-file table of size n, every
// slot set to the sparse sentinel, so individual fds can be installed
// later with RegisterFile without re-registering the whole table.
func (e *Engine) installSparseFiles(n int) error {
	if err := sys.RegisterSparseFiles(e.ring.Fd(), n); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fixedFiles = make([]int32, n)
	for i := range e.fixedFiles {
		e.fixedFiles[i] = sparseFD
	}
	return nil
}

// RegisterFile installs fd into the fixed-file table at slot fd, so
// subsequent operations address it by the same number with
// FixedFileFlag set. The fd doubles as the table index, which keeps
// callers free of slot bookkeeping; fds at or above RegisterFilesMax
// cannot be registered. Returns ErrNotSupported if no fixed-file
// table was installed.
func (e *Engine) RegisterFile(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.filesEnabled {
		return ErrNotSupported
	}
	if fd < 0 || fd >= len(e.fixedFiles) {
		return fmt.Errorf("uring: fd %d outside fixed-file table (max %d)", fd, len(e.fixedFiles))
	}

	fds := []int32{int32(fd)}
	if err := sys.RegisterFilesUpdate(e.ring.Fd(), uint32(fd), fds); err != nil {
		return err
	}
	e.fixedFiles[fd] = int32(fd)
	return nil
}

// UnregisterFile clears fd's fixed-file slot, returning it to the
// sparse sentinel.
func (e *Engine) UnregisterFile(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.filesEnabled {
		return ErrNotSupported
	}
	if fd < 0 || fd >= len(e.fixedFiles) {
		return fmt.Errorf("uring: fd %d outside fixed-file table (max %d)", fd, len(e.fixedFiles))
	}

	fds := []int32{sparseFD}
	if err := sys.RegisterFilesUpdate(e.ring.Fd(), uint32(fd), fds); err != nil {
		return err
	}
	e.fixedFiles[fd] = sparseFD
	return nil
}
