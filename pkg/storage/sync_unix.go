//go:build unix && !darwin

package storage

import "os"

// fullSync pushes file data to stable storage. On most unix systems
// fsync(2) is sufficient.
func fullSync(f *os.File) error {
	return f.Sync()
}
