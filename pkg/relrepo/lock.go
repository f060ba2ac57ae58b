package relrepo

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LockTimeoutError: somebody else held the lock for the whole wait window.
type LockTimeoutError struct {
	Path string
}

func (e *LockTimeoutError) Error() string {
	return "timed out waiting for lock: " + e.Path
}

// LockFailedError: taking the lock errored for a reason other than contention
// (permissions, missing parent dir, ...).
type LockFailedError struct {
	Path string
	Err  error
}

func (e *LockFailedError) Error() string {
	return fmt.Sprintf("taking lock %s: %v", e.Path, e.Err)
}

type Lock struct {
	path string
}

// TakeLock takes an advisory exclusive lock by exclusively creating a lock
// file. Lock files are cooperative: everything touching the same resource must
// go through here.
func TakeLock(path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)

	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, _ = file.Write([]byte(strconv.Itoa(os.Getpid())))
			if err := file.Close(); err != nil {
				return nil, &LockFailedError{Path: path, Err: err}
			}

			return &Lock{path: path}, nil
		}

		if !os.IsExist(err) {
			return nil, &LockFailedError{Path: path, Err: err}
		}

		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Path: path}
		}

		time.Sleep(100 * time.Millisecond)
	}
}

func (l *Lock) Release() error {
	return os.Remove(l.path)
}
