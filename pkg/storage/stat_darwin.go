//go:build darwin

package storage

import "golang.org/x/sys/unix"

func statMtime(st *unix.Stat_t) unix.Timespec {
	return st.Mtimespec
}
