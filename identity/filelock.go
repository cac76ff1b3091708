package identity

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockTimeout is returned when the credential lock stays held by another process.
var ErrLockTimeout = errors.New("timeout waiting for credential file lock")

// Lock tuning. A lock older than staleLockAge is assumed to belong to a dead process.
const (
	lockAttempts   = 50
	lockRetryDelay = 100 * time.Millisecond
	staleLockAge   = 30 * time.Second
)

// credentialLock guards the credential file across processes with a sibling ".lock" file.
type credentialLock struct {
	file *os.File
	path string
}

// lockCredentials acquires the lock for path, waiting up to lockAttempts*lockRetryDelay.
func lockCredentials(path string) (*credentialLock, error) {
	lockPath := path + ".lock"

	for range lockAttempts {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when someone has to clean up by hand.
			fmt.Fprintf(f, "%d", os.Getpid())
			return &credentialLock{file: f, path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > staleLockAge {
			if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", lockPath, rmErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf("%w after %v", ErrLockTimeout, lockAttempts*lockRetryDelay)
}

// unlock removes the lock file. Calling it twice returns the os.Remove error.
func (l *credentialLock) unlock() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}
