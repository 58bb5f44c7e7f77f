package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Open when another process already holds the
// storage directory's lock.
var ErrLocked = errors.New("store: storage directory is locked by another process")

// dirLock is an flock(2)-based exclusive, advisory lock on a single file
// inside the storage directory. It turns the single-writer assumption from
// an unenforced convention into a checked precondition.
type dirLock struct {
	file *os.File
}

const lockFileName = "LOCK"

func acquireDirLock(dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %q: %w", path, err)
	}

	return &dirLock{file: f}, nil
}

// release unlocks and closes the lock file. Safe to call on a nil lock or a
// lock whose file is already nil, so callers can invoke it unconditionally
// during abort paths.
func (l *dirLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
