package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWorkspaceLock(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".manifold"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	lock, err := AcquireWorkspaceLock(root)
	if err != nil {
		t.Fatalf("AcquireWorkspaceLock: %v", err)
	}
	if lock == nil {
		t.Fatalf("expected non-nil lock")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireWorkspaceLockAgainAfterRelease(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".manifold"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	lock1, err := AcquireWorkspaceLock(root)
	if err != nil {
		t.Fatalf("first AcquireWorkspaceLock: %v", err)
	}
	lock1.Release()

	lock2, err := AcquireWorkspaceLock(root)
	if err != nil {
		t.Fatalf("second AcquireWorkspaceLock: %v", err)
	}
	lock2.Release()
}

func TestProjectSharedLocksDoNotExcludeEachOther(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".manifold"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	a, err := AcquireProjectSharedLock(root)
	if err != nil {
		t.Fatalf("first shared lock: %v", err)
	}
	defer a.Release()

	b, err := AcquireProjectSharedLock(root)
	if err != nil {
		t.Fatalf("second shared lock should not block: %v", err)
	}
	defer b.Release()
}

func TestReleaseNilLock(t *testing.T) {
	var lock *LockFile
	if err := lock.Release(); err != nil {
		t.Fatalf("Release on nil: %v", err)
	}
}
