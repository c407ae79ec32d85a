//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// MapShared maps length bytes of f at offset zero into memory. The mapping
// is shared with every other process mapping the same file.
func MapShared(f *os.File, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, length, prot, unix.MAP_SHARED)
}

// MapSharedAt maps length bytes of f starting at offset, which must be
// page aligned.
func MapSharedAt(f *os.File, offset int64, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), offset, length, prot, unix.MAP_SHARED)
}

// Unmap removes a mapping established by MapShared or MapSharedAt.
func Unmap(data []byte) error {
	return unix.Munmap(data)
}
