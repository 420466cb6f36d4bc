package core

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is a thin wrapper around a read/write or read-only mmap of a
// whole file, grown by unmap/truncate/remap. The lifecycle (create,
// grow, msync, munmap) follows the mmap-backed WAL pattern used
// elsewhere in the wild for append-only stores: map the whole file,
// double it on overflow, explicitly unmap on every exit path.
type mmapRegion struct {
	data []byte
	prot int
}

func mmapOpen(f *os.File, size int64, writable bool) (*mmapRegion, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrIoFailure, err)
	}
	return &mmapRegion{data: data, prot: prot}, nil
}

// remap unmaps the current region and maps newSize bytes of f in its
// place. The file must already have been grown to at least newSize.
func (m *mmapRegion) remap(f *os.File, newSize int64) error {
	if err := m.unmap(); err != nil {
		return err
	}
	writable := m.prot&unix.PROT_WRITE != 0
	region, err := mmapOpen(f, newSize, writable)
	if err != nil {
		return err
	}
	*m = *region
	return nil
}

func (m *mmapRegion) unmap() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("%w: munmap: %v", ErrIoFailure, err)
	}
	m.data = nil
	return nil
}

// msyncRange flushes m.data[off:off+n] to stable storage synchronously.
func (m *mmapRegion) msyncRange(off, n int) error {
	if n == 0 {
		return nil
	}
	if err := unix.Msync(m.data[off:off+n], unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrIoFailure, err)
	}
	return nil
}
