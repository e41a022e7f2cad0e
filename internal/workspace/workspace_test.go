package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/bobisme/manifold/internal/gitutil"
)

// newProject creates a bare-minimum git-backed project with one commit
// containing base.txt, and returns the project root and that commit's SHA.
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
	if err := os.WriteFile(filepath.Join(scratch, "base.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := env.Run("add", "-A"); err != nil {
		t.Fatalf("git add: %v", err)
	}
	tree, err := gitutil.TreeSHA(env)
	if err != nil {
		t.Fatalf("TreeSHA: %v", err)
	}
	sha, err := gitutil.CreateCommitWithParents(env, tree, "initial", nil, nil)
	if err != nil {
		t.Fatalf("CreateCommitWithParents: %v", err)
	}
	return root, sha
}

func TestCreateAndOpen(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := Create(root, "feature-a", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ws.Close()

	if ws.Name() != "feature-a" {
		t.Fatalf("Name() = %q, want feature-a", ws.Name())
	}
	if ws.BaseEpoch() != epoch {
		t.Fatalf("BaseEpoch() = %q, want %q", ws.BaseEpoch(), epoch)
	}
	if _, err := os.Stat(filepath.Join(ws.Root(), "base.txt")); err != nil {
		t.Fatalf("expected base.txt materialised: %v", err)
	}
	ws.Close()

	reopened, err := Open(root, "feature-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if reopened.BaseEpoch() != epoch {
		t.Fatalf("reopened BaseEpoch() = %q, want %q", reopened.BaseEpoch(), epoch)
	}
}

func TestCreateRejectsReservedAndBadNames(t *testing.T) {
	root, epoch := newProject(t)

	if _, err := Create(root, "default", epoch, false); err == nil {
		t.Fatalf("expected error creating reserved name")
	}
	if _, err := Create(root, "Not_Kebab", epoch, false); err == nil {
		t.Fatalf("expected error creating non-kebab-case name")
	}
}

func TestCreateTwiceFails(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := Create(root, "dup", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ws.Close()

	if _, err := Create(root, "dup", epoch, false); err == nil {
		t.Fatalf("expected error creating duplicate workspace")
	}
}

func TestListIncludesCreated(t *testing.T) {
	root, epoch := newProject(t)

	for _, name := range []string{"alpha", "beta"} {
		ws, err := Create(root, name, epoch, false)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
		ws.Close()
	}

	list, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Fatalf("List() = %+v, want sorted [alpha beta]", list)
	}
}

func TestGetStatusCleanThenDirty(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := Create(root, "feature-b", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ws.Close()

	st, err := GetStatus(ws, epoch)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !st.Clean {
		t.Fatalf("expected clean status, got changed paths %v", st.ChangedPaths)
	}

	if err := os.WriteFile(filepath.Join(ws.Root(), "base.txt"), []byte("changed\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	st, err = GetStatus(ws, epoch)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Clean {
		t.Fatalf("expected dirty status after edit")
	}
}

func TestSyncRefusesWhenDirty(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := Create(root, "feature-c", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ws.Close()

	if err := os.WriteFile(filepath.Join(ws.Root(), "scratch.txt"), []byte("wip\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := Sync(ws, epoch); err == nil {
		t.Fatalf("expected Sync to refuse on dirty workspace")
	}
}

func TestDestroyRefusesWithoutCapture(t *testing.T) {
	root, epoch := newProject(t)

	ws, err := Create(root, "feature-d", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	store := ws.Store()
	ws.Close()

	if err := Destroy(store, root, "feature-d", ""); err == nil {
		t.Fatalf("expected Destroy to refuse without a captured recovery ref")
	}
	if err := Destroy(store, root, "feature-d", "refs/manifold/recovery/feature-d/does-not-exist"); err == nil {
		t.Fatalf("expected Destroy to refuse when the recovery ref does not exist")
	}
}

func TestDestroyRejectsDefault(t *testing.T) {
	root, epoch := newProject(t)
	ws, err := Create(root, "placeholder", epoch, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	store := ws.Store()
	ws.Close()

	if err := Destroy(store, root, DefaultWorkspace, "refs/manifold/recovery/default/x"); err == nil {
		t.Fatalf("expected Destroy to refuse the default workspace")
	}
}
