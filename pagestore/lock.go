package pagestore

import (
	"os"
	"syscall"
)

// lockFile is the advisory LOCK file recommended by spec §5 to keep a second
// opener (another process, or a second Open in this one) from using the same
// store_path concurrently (which is otherwise undefined behavior).
type lockFile struct {
	f *os.File
}

func acquireLock(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	// flock(2) locks belong to the open file description, so unlike fcntl
	// record locks they also conflict between two opens in one process.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errLockHeld
	}
	return &lockFile{f: f}, nil
}

func (l *lockFile) release() {
	if l == nil || l.f == nil {
		return
	}
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	l.f.Close()
}
