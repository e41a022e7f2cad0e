package oplog

import (
	"encoding/json"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/bobisme/manifold/internal/objstore"
)

func newStore(t *testing.T) *objstore.Store {
	t.Helper()
	root := t.TempDir()
	scratch := t.TempDir()
	if out, err := exec.Command("git", "init", root).CombinedOutput(); err != nil {
		t.Fatalf("git init: %s", out)
	}
	return objstore.Open(root, scratch, filepath.Join(scratch, "index"))
}

func TestAppendFirstOperationHasNoParent(t *testing.T) {
	store := newStore(t)

	digest, err := Append(store, "feature-a", Operation{Kind: Create})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	op, err := Load(store, digest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if op.Parent != "" {
		t.Fatalf("expected no parent for first operation, got %q", op.Parent)
	}
	if op.Sequence != 0 {
		t.Fatalf("expected sequence 0, got %d", op.Sequence)
	}
}

func TestAppendChainsAndIncrementsSequence(t *testing.T) {
	store := newStore(t)

	d1, err := Append(store, "feature-a", Operation{Kind: Create})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	payload, _ := json.Marshal(map[string]string{"text": "hello"})
	d2, err := Append(store, "feature-a", Operation{Kind: Describe, Payload: payload})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	op2, err := Load(store, d2)
	if err != nil {
		t.Fatalf("Load d2: %v", err)
	}
	if op2.Parent != d1 {
		t.Fatalf("Parent = %q, want %q", op2.Parent, d1)
	}
	if op2.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", op2.Sequence)
	}

	head, err := Head(store, "feature-a")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != d2 {
		t.Fatalf("Head = %q, want %q", head, d2)
	}
}

func TestHistoryWalksOldestLast(t *testing.T) {
	store := newStore(t)

	d1, _ := Append(store, "feature-a", Operation{Kind: Create})
	d2, _ := Append(store, "feature-a", Operation{Kind: Snapshot})
	d3, _ := Append(store, "feature-a", Operation{Kind: Destroy})

	digests, ops, err := History(store, "feature-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(digests) != 3 || len(ops) != 3 {
		t.Fatalf("expected 3 entries, got %d digests / %d ops", len(digests), len(ops))
	}
	if digests[0] != d3 || digests[1] != d2 || digests[2] != d1 {
		t.Fatalf("unexpected walk order: %v", digests)
	}
	if ops[0].Kind != Destroy || ops[1].Kind != Snapshot || ops[2].Kind != Create {
		t.Fatalf("unexpected kind order: %v %v %v", ops[0].Kind, ops[1].Kind, ops[2].Kind)
	}
}

func TestHistoryEmptyForUnknownWorkspace(t *testing.T) {
	store := newStore(t)

	digests, ops, err := History(store, "never-created")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(digests) != 0 || len(ops) != 0 {
		t.Fatalf("expected empty history, got %d digests / %d ops", len(digests), len(ops))
	}
}

func TestAppendIndependentPerWorkspace(t *testing.T) {
	store := newStore(t)

	a1, _ := Append(store, "a", Operation{Kind: Create})
	b1, _ := Append(store, "b", Operation{Kind: Create})

	headA, err := Head(store, "a")
	if err != nil {
		t.Fatalf("Head a: %v", err)
	}
	headB, err := Head(store, "b")
	if err != nil {
		t.Fatalf("Head b: %v", err)
	}
	if headA != a1 || headB != b1 {
		t.Fatalf("expected independent per-workspace heads, got a=%q b=%q", headA, headB)
	}
}
