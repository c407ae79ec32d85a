//go:build darwin

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// fullSync pushes file data to stable storage. Darwin's fsync(2) does not
// force the drive cache, so F_FULLFSYNC is required for the lock-release
// durability contract to hold.
func fullSync(f *os.File) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
	return err
}
