package storage

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dd0wney/cluso-triplestore/pkg/logging"
	"github.com/dd0wney/cluso-triplestore/pkg/metrics"
)

// LockMode mirrors the flock(2) operations.
type LockMode int

const (
	LockNone LockMode = 0
	LockSH   LockMode = unix.LOCK_SH
	LockEX   LockMode = unix.LOCK_EX
	LockUN   LockMode = unix.LOCK_UN
)

// String returns a short name for the lock mode.
func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockSH:
		return "shared"
	case LockEX:
		return "exclusive"
	case LockUN:
		return "unlock"
	default:
		return "invalid"
	}
}

// Lockable coordinates cross-process access to a file whose in-memory
// state is derived from its contents. Lock acquisition re-reads cached
// metadata when the file's mtime shows another process has written it;
// exclusive release writes metadata and syncs before dropping the lock,
// which is the linearization point for readers in other processes.
//
// The two hooks are installed by the owning file type. ReadMetadata loads
// header state from the file, WriteMetadata persists it. Both run with the
// appropriate flock held.
type Lockable struct {
	file  *os.File
	path  string
	flags int
	mode  LockMode
	mtime unix.Timespec

	ReadMetadata  func() error
	WriteMetadata func() error
}

// NewLockable wraps an already opened file. The caller must install the
// metadata hooks before calling Init.
func NewLockable(f *os.File, path string, flags int) *Lockable {
	return &Lockable{file: f, path: path, flags: flags, mode: LockNone}
}

// File returns the underlying file handle.
func (hf *Lockable) File() *os.File {
	return hf.file
}

// Path returns the filesystem path the handle was opened with.
func (hf *Lockable) Path() string {
	return hf.path
}

// Flags returns the open flags the handle was opened with.
func (hf *Lockable) Flags() int {
	return hf.flags
}

// Writable reports whether the handle was opened for writing.
func (hf *Lockable) Writable() bool {
	return hf.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Test reports whether the handle currently holds any of the given modes.
func (hf *Lockable) Test(mode LockMode) bool {
	return hf.mode&mode != 0
}

func (hf *Lockable) flock(op LockMode) error {
	if err := unix.Flock(int(hf.file.Fd()), int(op)); err != nil {
		logging.ErrorLog("flock failed", logging.Path(hf.path), logging.Error(err))
		return NewFileError("flock", hf.path, err)
	}
	return nil
}

func (hf *Lockable) captureMtime() error {
	var st unix.Stat_t
	if err := unix.Fstat(int(hf.file.Fd()), &st); err != nil {
		logging.ErrorLog("fstat failed", logging.Path(hf.path), logging.Error(err))
		return NewFileError("fstat", hf.path, err)
	}
	hf.mtime = statMtime(&st)
	return nil
}

// sync writes out metadata and flushes data to disc. Requires an
// exclusive lock.
func (hf *Lockable) sync() error {
	if !hf.Test(LockEX) {
		return NewFileError("sync", hf.path, ErrNotLocked)
	}
	if hf.WriteMetadata != nil {
		if err := hf.WriteMetadata(); err != nil {
			return err
		}
	}
	if err := fullSync(hf.file); err != nil {
		logging.ErrorLog("fsync failed", logging.Path(hf.path), logging.Error(err))
		return NewFileError("fsync", hf.path, err)
	}
	return nil
}

// Lock acquires or releases the advisory lock on the file. Upgrading or
// downgrading a held lock is an error; unlock first. Releasing an
// exclusive lock persists metadata and syncs before the lock drops, then
// records the resulting mtime. Acquiring either lock re-reads metadata
// when the file has been modified since the handle last observed it.
func (hf *Lockable) Lock(op LockMode) error {
	// It is an error to try to upgrade or downgrade a held lock
	if (op == LockEX && hf.mode == LockSH) || (op == LockSH && hf.mode == LockEX) {
		logging.ErrorLog("lock transition not permitted", logging.Path(hf.path),
			logging.String("held", hf.mode.String()), logging.String("requested", op.String()))
		return NewFileError("lock", hf.path, ErrBadLockTransition)
	}

	// It is an error to request a lock while holding one already
	if op&hf.mode&(LockSH|LockEX) != 0 {
		logging.ErrorLog("double lock", logging.Path(hf.path),
			logging.String("held", hf.mode.String()))
		return NewFileError("lock", hf.path, ErrDoubleLock)
	}

	// If we are unlocking while holding a write lock, flush data and
	// remember the mtime we produced
	if hf.mode == LockEX && op == LockUN {
		if err := hf.sync(); err != nil {
			return err
		}
		if err := hf.captureMtime(); err != nil {
			return err
		}
	}

	if err := hf.flock(op); err != nil {
		return err
	}

	if op == LockUN {
		hf.mode = LockNone
	} else {
		hf.mode = op
	}

	// If we are acquiring the lock, read metadata if the file has moved on
	if op == LockSH || op == LockEX {
		metrics.LockAcquired(op.String())
		var st unix.Stat_t
		if err := unix.Fstat(int(hf.file.Fd()), &st); err != nil {
			logging.ErrorLog("fstat failed", logging.Path(hf.path), logging.Error(err))
			return NewFileError("fstat", hf.path, err)
		}
		mtime := statMtime(&st)
		if mtime.Sec > hf.mtime.Sec ||
			(mtime.Sec == hf.mtime.Sec && mtime.Nsec > hf.mtime.Nsec) {
			if hf.ReadMetadata != nil {
				if err := hf.ReadMetadata(); err != nil {
					return err
				}
			}
			hf.mtime = mtime
		}
	}

	return nil
}

// Init reads or creates the file header, handling locking. A handle opened
// with O_TRUNC writes a fresh header under an exclusive lock; otherwise an
// empty file gets a header after re-checking emptiness under exclusive.
// Leaves the handle unlocked with consistent in-memory state.
func (hf *Lockable) Init() error {
	if hf.flags&os.O_TRUNC != 0 {
		// we have truncated the file, so write a header
		if err := hf.flock(LockEX); err != nil {
			return err
		}
		hf.mode = LockEX
		if err := hf.WriteMetadata(); err != nil {
			hf.unlockBestEffort()
			return err
		}
		if err := fullSync(hf.file); err != nil {
			hf.unlockBestEffort()
			return NewFileError("fsync", hf.path, err)
		}
		if err := hf.flock(LockSH); err != nil {
			hf.unlockBestEffort()
			return err
		}
		hf.mode = LockSH
	} else {
		// don't take the exclusive lock until we know the file is empty,
		// so we don't unnecessarily block readers
		if err := hf.flock(LockSH); err != nil {
			return err
		}
		hf.mode = LockSH
		length, err := hf.file.Seek(0, io.SeekEnd)
		if err != nil {
			hf.unlockBestEffort()
			return NewFileError("seek", hf.path, err)
		}
		if length == 0 {
			// empty file, check again with an upgraded lock
			if err := hf.flock(LockEX); err != nil {
				hf.unlockBestEffort()
				return err
			}
			hf.mode = LockEX
			length, err = hf.file.Seek(0, io.SeekEnd)
			if err != nil {
				hf.unlockBestEffort()
				return NewFileError("seek", hf.path, err)
			}
			if length == 0 {
				if err := hf.WriteMetadata(); err != nil {
					hf.unlockBestEffort()
					return err
				}
			}
			if err := fullSync(hf.file); err != nil {
				hf.unlockBestEffort()
				return NewFileError("fsync", hf.path, err)
			}
			if err := hf.flock(LockSH); err != nil {
				hf.unlockBestEffort()
				return err
			}
			hf.mode = LockSH
		}
	}

	// we are now holding a read lock, read in the header
	if err := hf.ReadMetadata(); err != nil {
		hf.unlockBestEffort()
		return err
	}

	if err := hf.captureMtime(); err != nil {
		hf.unlockBestEffort()
		return err
	}

	// done, we have consistent state and can release the lock
	if err := hf.flock(LockUN); err != nil {
		return err
	}
	hf.mode = LockNone

	return nil
}

func (hf *Lockable) unlockBestEffort() {
	if err := hf.flock(LockUN); err == nil {
		hf.mode = LockNone
	}
}
