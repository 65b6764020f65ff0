//go:build linux

package uring

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedFileTableRoundTrip(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleMaster, RegisterFiles: true})
	defer e.Close()

	if !e.FilesEnabled() {
		t.Skip("kernel does not support sparse fixed-file registration")
	}

	f, err := os.CreateTemp("", "uring_fixedfiles_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	fd := int(f.Fd())
	require.NoError(t, e.RegisterFile(fd))
	require.NoError(t, e.UnregisterFile(fd))
}

func TestFixedFileIO(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleMaster, RegisterFiles: true})
	defer e.Close()

	if !e.FilesEnabled() {
		t.Skip("kernel does not support sparse fixed-file registration")
	}

	stop := make(chan struct{})
	pumpMaster(t, e, stop)
	defer close(stop)

	f, err := os.CreateTemp("", "uring_fixedfile_io_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	ctx := context.Background()
	fd := int(f.Fd())
	data := []byte("fixed-file round trip")

	require.NoError(t, e.RegisterFile(fd))

	// fd now addresses the registered slot of the same number.
	n, err := e.Pwrite(ctx, fd, data, 0, NoTimeout, FixedFileFlag)
	require.NoError(t, err)
	require.Equal(t, int32(len(data)), n)

	buf := make([]byte, len(data))
	n, err = e.Pread(ctx, fd, buf, 0, NoTimeout, FixedFileFlag)
	require.NoError(t, err)
	require.Equal(t, int32(len(data)), n)
	require.Equal(t, data, buf)

	require.NoError(t, e.UnregisterFile(fd))

	// The slot is sparse again; fixed-file I/O against it must fail.
	_, err = e.Pread(ctx, fd, buf, 0, NoTimeout, FixedFileFlag)
	require.Error(t, err)
}

func TestRegisterFileWithoutTableEnabled(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleMaster})
	defer e.Close()

	err := e.RegisterFile(0)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestRegisterFileOutOfRange(t *testing.T) {
	e := newTestEngine(t, Config{Entries: 64, Role: RoleMaster, RegisterFiles: true})
	defer e.Close()

	if !e.FilesEnabled() {
		t.Skip("kernel does not support sparse fixed-file registration")
	}

	require.Error(t, e.RegisterFile(RegisterFilesMax+1))
	require.Error(t, e.UnregisterFile(RegisterFilesMax+1))
}
