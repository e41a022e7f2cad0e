// Package objstore is the typed wrapper over the content-addressed object
// and ref store that the rest of the merge engine treats as atomic. The
// store itself is the project's git repository (<root>/.git); this package does not reimplement
// any of git's storage model, it only exposes the narrow surface the spec
// requires (hash_blob, read_blob, build_tree, commit, read_ref, cas_ref,
// cas_multi, materialise) over internal/gitutil's plumbing.
package objstore

import (
	"fmt"

	"github.com/bobisme/manifold/internal/gitutil"
)

// Store is the object+ref store adapter. One Store per repository.
type Store struct {
	env gitutil.Env
}

// Open returns a Store rooted at the given bare (or non-bare) git directory,
// using scratchWorkTree as a scratch work tree / index for plumbing
// operations that require one (build_tree, materialise).
func Open(repoRoot, scratchWorkTree, scratchIndex string) *Store {
	return &Store{env: gitutil.NewEnv(repoRoot, scratchWorkTree, scratchIndex)}
}

// Env exposes the underlying plumbing environment for callers (workspace,
// merge pipeline) that need lower-level git operations not wrapped here.
func (s *Store) Env() gitutil.Env { return s.env }

// HashBlob writes content as a blob if absent and returns its digest.
func (s *Store) HashBlob(content []byte) (string, error) {
	return gitutil.HashBlob(s.env, content)
}

// ReadBlob returns the content addressed by digest.
func (s *Store) ReadBlob(digest string) ([]byte, error) {
	return gitutil.ReadBlob(s.env, digest)
}

// BuildTree recursively constructs a tree (and subtrees) from flat entries.
func (s *Store) BuildTree(entries []gitutil.TreeEntry) (string, error) {
	return gitutil.BuildTree(s.env, entries)
}

// Author carries the identity used for commit/committer fields.
type Author struct {
	Name  string
	Email string
}

// Commit creates a commit object with the given tree and parents, returning
// its digest.
func (s *Store) Commit(tree string, parents []string, author, committer Author, message string) (string, error) {
	meta := &gitutil.CommitMeta{
		AuthorName:     author.Name,
		AuthorEmail:    author.Email,
		CommitterName:  committer.Name,
		CommitterEmail: committer.Email,
	}
	return gitutil.CreateCommitWithParents(s.env, tree, message, parents, meta)
}

// ReadRef returns the digest a ref points at, or "" if it does not exist.
func (s *Store) ReadRef(name string) (string, error) {
	return gitutil.ReadRef(s.env, name)
}

// CasRef atomically advances name from expected to next. An empty expected
// requires the ref not yet exist.
func (s *Store) CasRef(name, expected, next string) error {
	return gitutil.CasRef(s.env, name, expected, next)
}

// RefUpdate is one entry of an atomic multi-ref transaction.
type RefUpdate = gitutil.RefUpdate

// CasMulti atomically applies a batch of CAS ref updates: all-or-nothing.
func (s *Store) CasMulti(updates []RefUpdate) error {
	return gitutil.CasMulti(s.env, updates)
}

// Materialise writes every file of tree into workdir and resets the index
// to tree; files in workdir that tree does not contain are left in place.
func (s *Store) Materialise(tree, workdir string) error {
	return gitutil.Materialise(s.env, tree, workdir)
}

// TreeAt returns the tree digest for a commit.
func (s *Store) TreeAt(commit string) (string, error) {
	return gitutil.CommitTreeSHA(s.env, commit)
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant.
func (s *Store) IsAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return true
	}
	return gitutil.IsAncestor(s.env, ancestor, descendant)
}

// ShowFile returns the content of path as it exists in ref's tree.
func (s *Store) ShowFile(ref, path string) ([]byte, error) {
	return gitutil.ShowFileAtRef(s.env, ref, path)
}

// TreeEntries returns every blob entry reachable under treeish, recursively.
func (s *Store) TreeEntries(treeish string) ([]gitutil.TreeEntry, error) {
	return gitutil.ListTree(s.env, treeish)
}

// IndexEntries returns every entry currently staged in this store's index.
func (s *Store) IndexEntries() ([]gitutil.TreeEntry, error) {
	return gitutil.ListIndex(s.env)
}

// StageBlob sets path in this store's index to mode/digest directly.
func (s *Store) StageBlob(path, mode, digest string) error {
	return gitutil.StageBlob(s.env, path, mode, digest)
}

// UnstageBlob force-removes path from this store's index, if present.
func (s *Store) UnstageBlob(path string) error {
	return gitutil.UnstageBlob(s.env, path)
}

// ListRefs returns every ref under prefix, sorted lexicographically by name.
func (s *Store) ListRefs(prefix string) ([]gitutil.RefEntry, error) {
	return gitutil.ListRefs(s.env, prefix)
}

// DeleteRef deletes ref unconditionally (no CAS); used by gc.
func (s *Store) DeleteRef(ref string) error {
	return gitutil.DeleteRefRaw(s.env, ref)
}

// ErrNotFound is returned by lookups against refs/objects that do not exist.
var ErrNotFound = fmt.Errorf("not found in object store")

// Reserved ref namespaces. EpochRef names the latest merged state; BranchRef
// the user-visible head of history; HeadRef the per-workspace operation log
// head; RecoveryRef a pinned full-tree safety snapshot.
const (
	EpochRef = "refs/manifold/epoch/current"
	Branch   = "main"
)

// BranchRef returns the branch ref name.
func BranchRef() string { return "refs/heads/" + Branch }

// HeadRef returns the operation-log head ref for a workspace.
func HeadRef(workspace string) string { return "refs/manifold/head/" + workspace }

// RecoveryRef returns the pinned recovery ref name for a workspace snapshot
// taken at timestamp ts (RFC3339-ish, already filesystem/ref safe).
func RecoveryRef(workspace, ts string) string {
	return "refs/manifold/recovery/" + workspace + "/" + ts
}

// RecoveryRefPrefix is the namespace all recovery refs share, for
// enumeration by `ws recover --search` and garbage collection.
const RecoveryRefPrefix = "refs/manifold/recovery/"
