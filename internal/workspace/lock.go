package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	lockDirName      = ".manifold"
	workspaceLockFile = "lock"
	gcLockFile        = "gc.lock"
)

// LockFile represents a held advisory flock. Locks are released
// automatically if the process exits, even without a clean Release.
type LockFile struct {
	file *os.File
}

func acquireFlock(path string, how int) (*LockFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	return &LockFile{file: f}, nil
}

// Release releases the held lock.
func (l *LockFile) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}

// AcquireWorkspaceLock acquires an exclusive lock on a workspace directory,
// preventing two concurrent operations on the same workspace from
// interleaving.
func AcquireWorkspaceLock(workspaceRoot string) (*LockFile, error) {
	path := filepath.Join(workspaceRoot, lockDirName, workspaceLockFile)
	lock, err := acquireFlock(path, unix.LOCK_EX)
	if err != nil {
		return nil, fmt.Errorf("could not lock workspace %s (another operation may be running): %w", workspaceRoot, err)
	}
	return lock, nil
}

// AcquireProjectSharedLock takes a shared lock at the project level. Any
// number of workspace operations can hold it concurrently; GC's exclusive
// acquisition blocks until all of them release, so GC never races a
// resolve/materialise in flight.
func AcquireProjectSharedLock(projectRoot string) (*LockFile, error) {
	path := filepath.Join(projectRoot, lockDirName, gcLockFile)
	lock, err := acquireFlock(path, unix.LOCK_SH)
	if err != nil {
		return nil, fmt.Errorf("could not acquire project lock at %s: %w", projectRoot, err)
	}
	return lock, nil
}

// AcquireGCLock takes the exclusive form of the project lock, blocking
// until every workspace operation holding the shared form has released.
func AcquireGCLock(projectRoot string) (*LockFile, error) {
	path := filepath.Join(projectRoot, lockDirName, gcLockFile)
	lock, err := acquireFlock(path, unix.LOCK_EX)
	if err != nil {
		return nil, fmt.Errorf("could not acquire gc lock at %s (workspace operations may be running): %w", projectRoot, err)
	}
	return lock, nil
}
