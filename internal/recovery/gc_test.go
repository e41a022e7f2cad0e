package recovery

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobisme/manifold/internal/gitutil"
	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/workspace"
)

func newProject(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	scratch := t.TempDir()

	if out, err := exec.Command("git", "init", root).CombinedOutput(); err != nil {
		t.Fatalf("git init: %s", out)
	}
	exec.Command("git", "-C", root, "config", "user.name", "Test").Run()
	exec.Command("git", "-C", root, "config", "user.email", "test@test.com").Run()

	env := gitutil.NewEnv(root, scratch, filepath.Join(scratch, "index"))
	tree, err := gitutil.BuildTree(env, nil)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	sha, err := gitutil.CreateCommitWithParents(env, tree, "initial", nil, nil)
	if err != nil {
		t.Fatalf("CreateCommitWithParents: %v", err)
	}
	return root, sha
}

func captureAt(t *testing.T, ws *workspace.Workspace, reason string, when time.Time) string {
	t.Helper()
	art, err := Capture(ws, reason, when)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return art.RefName
}

func TestGCKeepsMostRecentPerWorkspace(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := workspace.Create(root, "feature-a", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ws.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var refs []string
	for i := 0; i < 3; i++ {
		refs = append(refs, captureAt(t, ws, "destroy", base.Add(time.Duration(i)*time.Minute)))
	}

	store := objstore.Open(root, root, filepath.Join(root, ".manifold", "scratch-index"))
	result, err := GC(root, store, GCOpts{KeepPerWorkspace: 2})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(result.Pruned) != 0 {
		t.Fatalf("expected nothing pruned (captures aren't ancestors of any root), got %v", result.Pruned)
	}
	if result.ScannedRefs != 3 {
		t.Fatalf("ScannedRefs = %d, want 3", result.ScannedRefs)
	}
}

func TestGCDryRunLeavesRefsInPlace(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := workspace.Create(root, "feature-a", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ws.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		captureAt(t, ws, "destroy", base.Add(time.Duration(i)*time.Minute))
	}

	store := objstore.Open(root, root, filepath.Join(root, ".manifold", "scratch-index"))
	if _, err := GC(root, store, GCOpts{KeepPerWorkspace: 10, DryRun: true}); err != nil {
		t.Fatalf("GC: %v", err)
	}

	refs, err := store.ListRefs(objstore.RecoveryRefPrefix)
	if err != nil {
		t.Fatalf("ListRefs: %v", err)
	}
	if len(refs) != 12 {
		t.Fatalf("expected all 12 refs to survive a dry run, got %d", len(refs))
	}
}

func TestGCPrunesOnlyAncestorsOfRoots(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := workspace.Create(root, "feature-a", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ws.Close()

	store := ws.Store()
	// A capture whose commit is the current epoch itself is trivially an
	// ancestor of the epoch ref, so it's eligible for pruning once aged out.
	ref := objstore.RecoveryRef("feature-a", "20260101T000000Z")
	if err := store.CasRef(ref, "", epoch); err != nil {
		t.Fatalf("CasRef: %v", err)
	}

	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		captureAt(t, ws, "destroy", base.Add(time.Duration(i)*time.Minute))
	}

	result, err := GC(root, store, GCOpts{KeepPerWorkspace: 5})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(result.Pruned) != 1 || result.Pruned[0] != ref {
		t.Fatalf("expected only %q pruned, got %v", ref, result.Pruned)
	}

	oid, err := store.ReadRef(ref)
	if err != nil {
		t.Fatalf("ReadRef: %v", err)
	}
	if oid != "" {
		t.Fatalf("expected %q deleted, still resolves to %q", ref, oid)
	}
}
