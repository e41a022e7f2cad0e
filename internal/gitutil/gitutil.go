// Package gitutil is the plumbing layer objstore sits on: every method here
// shells out to the real `git` binary scoped to one (GIT_DIR, GIT_WORK_TREE,
// GIT_INDEX_FILE) triple, so a caller can drive an arbitrary scratch work
// tree and index against the project's single object store. It carries only
// the operations objstore, merge, replay, and recovery actually call --
// there is no ref/branch surface here beyond what cas.go (CAS ref updates)
// and refs.go (ref listing/deletion) need, since manifold addresses commits
// by epoch/recovery ref rather than by branch the way the teacher's
// single-branch-per-checkout model did.
package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrPushRejected is returned when a git push is rejected (non-fast-forward).
// This typically means the remote has new commits that need to be fetched first.
var ErrPushRejected = errors.New("push rejected (non-fast-forward)")

// Env bundles the paths needed for git plumbing commands that operate on a
// separate work tree and index (e.g. during export/import).
type Env struct {
	RepoRoot  string
	WorkTree  string
	IndexFile string
}

// NewEnv creates a new Env.
func NewEnv(repoRoot, workTree, indexFile string) Env {
	return Env{
		RepoRoot:  repoRoot,
		WorkTree:  workTree,
		IndexFile: indexFile,
	}
}

// GitDir returns the path to the .git directory.
func (g Env) GitDir() string {
	return filepath.Join(g.RepoRoot, ".git")
}

// commandWithEnv builds an exec.Cmd for a git subcommand, injecting the
// GIT_DIR / GIT_WORK_TREE / GIT_INDEX_FILE env vars plus any extras. Only
// CreateCommitWithParents needs the extras (author/committer overrides), so
// this stays unexported rather than a second public entry point next to
// Command.
func (g Env) commandWithEnv(extra map[string]string, args ...string) *exec.Cmd {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.WorkTree
	cmd.Env = append(os.Environ(),
		"GIT_DIR="+g.GitDir(),
		"GIT_WORK_TREE="+g.WorkTree,
		"GIT_INDEX_FILE="+g.IndexFile,
	)
	for key, value := range extra {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	return cmd
}

// Command builds an exec.Cmd for a git subcommand.
func (g Env) Command(args ...string) *exec.Cmd {
	return g.commandWithEnv(nil, args...)
}

// Run executes a git subcommand and returns an error on failure.
func (g Env) Run(args ...string) error {
	cmd := g.Command(args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		message := strings.TrimSpace(string(output))
		if message == "" {
			message = err.Error()
		}
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), message)
	}
	return nil
}

// Output executes a git subcommand and returns its trimmed stdout.
func (g Env) Output(args ...string) (string, error) {
	return g.outputWithEnv(nil, args...)
}

// outputWithEnv executes a git subcommand with extra env vars and returns
// its trimmed stdout.
func (g Env) outputWithEnv(extra map[string]string, args ...string) (string, error) {
	cmd := g.commandWithEnv(extra, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), message)
	}
	return strings.TrimSpace(string(output)), nil
}

// ---------------- query helpers ----------------

// RefSHA returns the SHA for the given ref, or os.ErrNotExist if the ref
// does not exist.
func RefSHA(g Env, ref string) (string, error) {
	cmd := g.Command("show-ref", "--verify", "--hash", ref)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return "", os.ErrNotExist
		}
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = err.Error()
		}
		return "", fmt.Errorf("git show-ref --verify --hash %s: %s", ref, message)
	}
	return strings.TrimSpace(string(output)), nil
}

// TreeSHA writes the index to a tree object and returns the tree SHA.
func TreeSHA(g Env) (string, error) {
	return g.Output("write-tree")
}

// CommitTreeSHA returns the tree SHA for a given commit.
func CommitTreeSHA(g Env, sha string) (string, error) {
	return g.Output("rev-parse", sha+"^{tree}")
}

// ShowFileAtRef returns the contents of a file at a given ref. Returns
// os.ErrNotExist if the ref or path does not exist.
func ShowFileAtRef(g Env, ref, path string) ([]byte, error) {
	cmd := g.Command("show", ref+":"+path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	content, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "Path") ||
			strings.Contains(msg, "does not exist") ||
			strings.Contains(msg, "not a valid object name") ||
			strings.Contains(msg, "invalid object name") ||
			strings.Contains(msg, "unknown revision") ||
			strings.Contains(msg, "bad object") {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("git show %s:%s: %s", ref, path, msg)
	}
	return content, nil
}

// ---------------- mutation helpers ----------------

// CommitMeta holds author/committer env overrides for a git commit.
type CommitMeta struct {
	AuthorName     string
	AuthorEmail    string
	AuthorDate     string
	CommitterName  string
	CommitterEmail string
	CommitterDate  string
}

// Env returns a map of GIT_AUTHOR_* / GIT_COMMITTER_* env vars.
func (m *CommitMeta) Env() map[string]string {
	env := map[string]string{}
	if m.AuthorName != "" {
		env["GIT_AUTHOR_NAME"] = m.AuthorName
	}
	if m.AuthorEmail != "" {
		env["GIT_AUTHOR_EMAIL"] = m.AuthorEmail
	}
	if m.AuthorDate != "" {
		env["GIT_AUTHOR_DATE"] = m.AuthorDate
	}
	if m.CommitterName != "" {
		env["GIT_COMMITTER_NAME"] = m.CommitterName
	}
	if m.CommitterEmail != "" {
		env["GIT_COMMITTER_EMAIL"] = m.CommitterEmail
	}
	if m.CommitterDate != "" {
		env["GIT_COMMITTER_DATE"] = m.CommitterDate
	}
	return env
}

// CreateCommitWithParents creates a git commit object from the given tree,
// message, parent SHAs, and optional metadata.  Returns the new commit SHA.
func CreateCommitWithParents(g Env, treeSHA, message string, parents []string, meta *CommitMeta) (string, error) {
	args := []string{"commit-tree", treeSHA, "-m", message}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	env := map[string]string{}
	if meta != nil {
		for key, value := range meta.Env() {
			if value != "" {
				env[key] = value
			}
		}
	}
	return g.outputWithEnv(env, args...)
}

// ---------------- higher-level helpers ----------------

// RunCommand executes a plain `git <args...>` command in the given directory
// (without the GIT_DIR/GIT_WORK_TREE/GIT_INDEX_FILE overrides that Env uses).
func RunCommand(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		message := strings.TrimSpace(string(output))
		if message == "" {
			message = err.Error()
		}
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), message)
	}
	return nil
}

// IsAncestor returns true if ancestorSHA is an ancestor of descendantSHA.
func IsAncestor(g Env, ancestorSHA, descendantSHA string) bool {
	cmd := g.Command("merge-base", "--is-ancestor", ancestorSHA, descendantSHA)
	return cmd.Run() == nil
}

// Push pushes a single refspec to the named remote. Returns ErrPushRejected
// (wrapped) for non-fast-forward rejections, distinguishing them from
// auth/network errors.
func Push(repoDir, remoteName, refspec string) error {
	cmd := exec.Command("git", "-C", repoDir, "push", remoteName, refspec)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	msg := string(output)
	if IsPushRejected(msg) {
		return fmt.Errorf("push rejected for '%s': %w", refspec, ErrPushRejected)
	}
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		trimmed = err.Error()
	}
	return fmt.Errorf("failed to push '%s': %s", refspec, trimmed)
}

// IsPushRejected checks if git push output indicates a non-fast-forward
// rejection.
func IsPushRejected(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "[rejected]") ||
		strings.Contains(lower, "non-fast-forward") ||
		strings.Contains(lower, "fetch first") ||
		strings.Contains(lower, "were rejected")
}
