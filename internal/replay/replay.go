// Package replay implements preserve-replay (spec.md §4.5): rewriting a
// workspace's working copy onto a new epoch without losing uncommitted user
// work. A naive checkout would silently discard staged/unstaged/untracked
// changes; a naive stash-checkout-unstash would mistake "old epoch content"
// for "user changes" and reintroduce stale files. This package extracts the
// three user-delta artefacts relative to the workspace's recorded base
// epoch, pins a recovery snapshot if any are non-empty, materialises the
// target epoch cleanly, then re-applies each delta by three-way merge.
package replay

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/epiclabs-io/diff3"

	"github.com/bobisme/manifold/internal/gitutil"
	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/recovery"
	"github.com/bobisme/manifold/internal/workspace"
)

// Result reports what Replay did.
type Result struct {
	// Trivial is true when all three deltas were empty: target_ref was
	// materialised directly, no recovery snapshot was needed.
	Trivial bool
	// Capture is set whenever a recovery snapshot was pinned before the
	// rewrite (i.e. Trivial is false).
	Capture *recovery.Artifact
}

// Replay runs the full §4.5 algorithm against ws, rewriting it onto
// targetRef. On success ws.BaseEpoch() should be advanced by the caller
// (the merge pipeline owns workspace metadata updates, not this package).
//
// On any apply failure, the workspace is rolled back to the captured
// snapshot (not to the old epoch) and the error is returned wrapped in
// *merrors.Recoverable carrying the five-field recovery surface.
func Replay(ws *workspace.Workspace, targetRef string, now time.Time) (*Result, error) {
	store := ws.Store()

	deltas, err := ExtractDeltas(ws)
	if err != nil {
		return nil, fmt.Errorf("extract user deltas: %w", err)
	}

	targetTree, err := store.TreeAt(targetRef)
	if err != nil {
		return nil, fmt.Errorf("resolve target tree: %w", err)
	}

	if deltas.IsEmpty() {
		if err := store.Materialise(targetTree, ws.Root()); err != nil {
			return nil, fmt.Errorf("materialise target: %w", err)
		}
		return &Result{Trivial: true}, nil
	}

	indexPatch, worktreePatch, err := diffArtifacts(store, ws.BaseEpoch())
	if err != nil {
		return nil, fmt.Errorf("render capture patches: %w", err)
	}
	art, err := recovery.CaptureForRewrite(ws, indexPatch, worktreePatch, deltas.Untracked, now)
	if err != nil {
		return nil, fmt.Errorf("pin pre-rewrite snapshot: %w", err)
	}

	baseTree, err := store.TreeAt(ws.BaseEpoch())
	if err != nil {
		return nil, art.Recoverable(fmt.Errorf("resolve base tree: %w", err))
	}
	baseByPath, err := entriesByPath(store, baseTree)
	if err != nil {
		return nil, art.Recoverable(err)
	}
	targetByPath, err := entriesByPath(store, targetTree)
	if err != nil {
		return nil, art.Recoverable(err)
	}

	if err := store.Materialise(targetTree, ws.Root()); err != nil {
		return rollback(ws, art, fmt.Errorf("materialise target: %w", err))
	}

	for path, ours := range deltas.Staged {
		merged, exists, err := threeWayMerge(store, path, baseByPath[path], ours, targetByPath[path])
		if err != nil {
			return rollback(ws, art, fmt.Errorf("staged delta on %s: %w", path, err))
		}
		if err := applyToIndex(store, path, merged, exists); err != nil {
			return rollback(ws, art, fmt.Errorf("apply staged delta on %s: %w", path, err))
		}
	}

	for path, ours := range deltas.Unstaged {
		merged, exists, err := threeWayMerge(store, path, baseByPath[path], ours, targetByPath[path])
		if err != nil {
			return rollback(ws, art, fmt.Errorf("unstaged delta on %s: %w", path, err))
		}
		if err := applyToWorktree(ws.Root(), path, merged, exists); err != nil {
			return rollback(ws, art, fmt.Errorf("apply unstaged delta on %s: %w", path, err))
		}
	}

	for _, path := range deltas.Untracked {
		content, err := store.ShowFile(art.RefName, path)
		if err != nil {
			return rollback(ws, art, fmt.Errorf("rehydrate untracked %s: %w", path, err))
		}
		if err := writeWorktreeFile(ws.Root(), path, content); err != nil {
			return rollback(ws, art, fmt.Errorf("rehydrate untracked %s: %w", path, err))
		}
	}

	return &Result{Capture: art}, nil
}

// rollback restores ws to the captured snapshot and surfaces the recovery
// reference -- the commit that prompted this replay is never reverted.
func rollback(ws *workspace.Workspace, art *recovery.Artifact, cause error) (*Result, error) {
	store := ws.Store()
	tree, treeErr := store.TreeAt(art.RefName)
	if treeErr == nil {
		_ = store.Materialise(tree, ws.Root())
	}
	return nil, art.Recoverable(cause)
}

func entriesByPath(store *objstore.Store, tree string) (map[string]gitutil.TreeEntry, error) {
	entries, err := store.TreeEntries(tree)
	if err != nil {
		return nil, fmt.Errorf("list tree: %w", err)
	}
	byPath := make(map[string]gitutil.TreeEntry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}
	return byPath, nil
}

// threeWayMerge folds base/ours/theirs for one path per the §4.5 correctness
// predicate: a user deletion always propagates; a pure local add (no base,
// no theirs) keeps ours; divergent content is folded via diff3 and any
// unresolved conflict -- or a modify/delete split between ours and theirs --
// is an apply failure that triggers rollback rather than a marker file (that
// escape hatch belongs to the merge engine, not to a silent workdir rewrite).
func threeWayMerge(store *objstore.Store, path string, base gitutil.TreeEntry, ours fileState, theirs gitutil.TreeEntry) (content []byte, exists bool, err error) {
	baseExists := base.Digest != ""
	theirsExists := theirs.Digest != ""

	if !ours.Exists {
		return nil, false, nil
	}
	oursContent, err := ours.content(store)
	if err != nil {
		return nil, false, fmt.Errorf("read delta content: %w", err)
	}

	if !theirsExists {
		if !baseExists {
			return oursContent, true, nil
		}
		return nil, false, fmt.Errorf("modified locally but removed in target epoch")
	}

	theirsContent, err := store.ReadBlob(theirs.Digest)
	if err != nil {
		return nil, false, fmt.Errorf("read target blob: %w", err)
	}
	if bytes.Equal(oursContent, theirsContent) {
		return theirsContent, true, nil
	}
	if !baseExists {
		return nil, false, fmt.Errorf("added independently in workspace and target with different content")
	}
	baseContent, err := store.ReadBlob(base.Digest)
	if err != nil {
		return nil, false, fmt.Errorf("read base blob: %w", err)
	}

	result, err := diff3.Merge(bytes.NewReader(oursContent), bytes.NewReader(baseContent), bytes.NewReader(theirsContent), true, "", "")
	if err != nil {
		return nil, false, fmt.Errorf("three-way merge: %w", err)
	}
	if result.Conflicts {
		return nil, false, fmt.Errorf("conflicting edits could not be folded")
	}
	merged, err := io.ReadAll(result.Result)
	if err != nil {
		return nil, false, err
	}
	return merged, true, nil
}

func applyToIndex(store *objstore.Store, path string, content []byte, exists bool) error {
	if !exists {
		return store.UnstageBlob(path)
	}
	digest, err := store.HashBlob(content)
	if err != nil {
		return err
	}
	return store.StageBlob(path, "100644", digest)
}

func applyToWorktree(root, path string, content []byte, exists bool) error {
	if !exists {
		err := os.Remove(filepath.Join(root, path))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return writeWorktreeFile(root, path, content)
}

func writeWorktreeFile(root, path string, content []byte) error {
	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0644)
}

// diffArtifacts renders the record-keeping patches §6's artefact layout
// calls for (index.patch, worktree.patch). These are purely descriptive --
// the actual apply logic above works from the structured Deltas, not from
// parsing these patches back.
func diffArtifacts(store *objstore.Store, baseEpoch string) (indexPatch, worktreePatch []byte, err error) {
	env := store.Env()
	cached, err := env.Output("diff", "--cached", baseEpoch)
	if err != nil {
		return nil, nil, fmt.Errorf("diff --cached: %w", err)
	}
	worktree, err := env.Output("diff")
	if err != nil {
		return nil, nil, fmt.Errorf("diff: %w", err)
	}
	return []byte(cached), []byte(worktree), nil
}
