package catalog

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// lock is an advisory flock(2) lock on a file next to the index. Queries hold
// it shared and rebuilds hold it exclusively, so no query ever sees a rebuild
// halfway through, even from another process.
type lock struct {
	file *os.File
}

func acquire(path string, exclusive bool) (*lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, wrap(err, "opening lock file")
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	for {
		err = unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, wrap(err, "locking %s", path)
	}

	return &lock{file: f}, nil
}

func (l *lock) release() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	if err != nil {
		return wrap(err, "unlocking")
	}
	return cerr
}
