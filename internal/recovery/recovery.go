// Package recovery implements capture, the Destroy Gate, and content search
// over recovery snapshots: §4.6 of the design. A capture is a commit whose
// tree is byte-for-byte the full working copy (tracked and untracked
// non-ignored files alike), pinned under a reserved recovery ref so it
// survives independently of any workspace checkout.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bobisme/manifold/internal/config"
	"github.com/bobisme/manifold/internal/gitutil"
	"github.com/bobisme/manifold/internal/ignore"
	"github.com/bobisme/manifold/internal/merrors"
	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/workspace"
)

// refTimestamp formats t for use inside a ref name: no colons, no spaces.
func refTimestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000Z")
}

// Artifact is the five-field recovery surface spec.md §4.6 requires every
// recoverable-error response to carry, plus the bookkeeping needed to act on
// it again later.
type Artifact struct {
	RefName      string    `json:"ref_name"`
	ObjectOID    string    `json:"object_oid"`
	ArtefactPath string    `json:"artefact_path"`
	Description  string    `json:"description"`
	RestoreCmd   string    `json:"restore_command"`
	Workspace    string    `json:"workspace"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// Surface implements the five-field tuple merrors.Recoverable wraps.
func (a *Artifact) Surface() (refName, objectOID, artefact, description, restoreCmd string) {
	return a.RefName, a.ObjectOID, a.ArtefactPath, a.Description, a.RestoreCmd
}

// Recoverable wraps err with a's five-field surface.
func (a *Artifact) Recoverable(err error) *merrors.Recoverable {
	return &merrors.Recoverable{
		Err: err, RefName: a.RefName, ObjectOID: a.ObjectOID,
		Artefact: a.ArtefactPath, Description: a.Description, RestoreCmd: a.RestoreCmd,
	}
}

// Capture writes a commit whose tree equals ws's full working copy (tracked
// and untracked non-ignored files alike), sets a recovery/<ws>/<ts> ref to
// it, and writes a JSON artefact describing the capture to
// .manifold/artifacts/ws/<ws>/destroy/<ts>.json (+ latest.json alongside),
// the layout spec.md §6 requires for destroy-gate captures. reason is a
// short human label ("destroy", "rewrite", ...) recorded in the artefact.
func Capture(ws *workspace.Workspace, reason string, now time.Time) (*Artifact, error) {
	art, _, err := pinSnapshot(ws, reason, now)
	if err != nil {
		return nil, err
	}
	artPath, err := writeDestroyArtifact(ws.ProjectRoot(), ws.Name(), art, now)
	if err != nil {
		return nil, fmt.Errorf("%w: write capture artefact: %v", merrors.ErrCaptureFailed, err)
	}
	art.ArtefactPath = artPath
	return art, nil
}

// pinSnapshot does the ref/commit work shared by Capture and
// CaptureForRewrite: snapshot the working copy, commit it, pin the recovery
// ref. It does not write any artefact file -- callers choose the layout.
func pinSnapshot(ws *workspace.Workspace, reason string, now time.Time) (*Artifact, int, error) {
	entries, err := snapshotEntries(ws)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: scan workspace %s: %v", merrors.ErrCaptureFailed, ws.Name(), err)
	}

	store := ws.Store()
	tree, err := store.BuildTree(entries)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build snapshot tree: %v", merrors.ErrCaptureFailed, err)
	}

	author := objstore.Author{Name: "manifold", Email: "recovery@manifold.local"}
	message := fmt.Sprintf("recovery capture: %s (%s)", ws.Name(), reason)
	oid, err := store.Commit(tree, nil, author, author, message)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: commit snapshot: %v", merrors.ErrCaptureFailed, err)
	}

	ref := objstore.RecoveryRef(ws.Name(), refTimestamp(now))
	if err := store.CasRef(ref, "", oid); err != nil {
		return nil, 0, fmt.Errorf("%w: pin recovery ref %s: %v", merrors.ErrCaptureFailed, ref, err)
	}

	art := &Artifact{
		RefName:     ref,
		ObjectOID:   oid,
		Description: fmt.Sprintf("%d file(s) captured from workspace %q before %s", len(entries), ws.Name(), reason),
		RestoreCmd:  fmt.Sprintf("manifold ws recover %s --ref %s", ws.Name(), ref),
		Workspace:   ws.Name(),
		Reason:      reason,
		Timestamp:   now.UTC(),
	}
	return art, len(entries), nil
}

// CaptureForRewrite pins a full-tree recovery snapshot exactly like Capture,
// but records the three artefacts preserve-replay needs
// (index.patch/worktree.patch/untracked.json) under
// .manifold/artifacts/rewrite/<ws>/<ts>/ instead of the destroy layout.
func CaptureForRewrite(ws *workspace.Workspace, indexPatch, worktreePatch []byte, untrackedPaths []string, now time.Time) (*Artifact, error) {
	art, _, err := pinSnapshot(ws, "rewrite", now)
	if err != nil {
		return nil, err
	}
	artDir := filepath.Join(ws.ProjectRoot(), config.ConfigDirName, "artifacts", "rewrite", ws.Name(), refTimestamp(now))
	if err := os.MkdirAll(artDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create artefact dir: %v", merrors.ErrCaptureFailed, err)
	}
	metaData, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := objstore.AtomicWriteFile(filepath.Join(artDir, "meta.json"), metaData, 0644); err != nil {
		return nil, fmt.Errorf("%w: write meta.json: %v", merrors.ErrCaptureFailed, err)
	}
	if err := objstore.AtomicWriteFile(filepath.Join(artDir, "index.patch"), indexPatch, 0644); err != nil {
		return nil, fmt.Errorf("%w: write index.patch: %v", merrors.ErrCaptureFailed, err)
	}
	if err := objstore.AtomicWriteFile(filepath.Join(artDir, "worktree.patch"), worktreePatch, 0644); err != nil {
		return nil, fmt.Errorf("%w: write worktree.patch: %v", merrors.ErrCaptureFailed, err)
	}
	untrackedData, err := json.MarshalIndent(untrackedPaths, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := objstore.AtomicWriteFile(filepath.Join(artDir, "untracked.json"), untrackedData, 0644); err != nil {
		return nil, fmt.Errorf("%w: write untracked.json: %v", merrors.ErrCaptureFailed, err)
	}
	art.ArtefactPath = artDir
	return art, nil
}

func writeDestroyArtifact(projectRoot, wsName string, art *Artifact, now time.Time) (string, error) {
	dir := filepath.Join(projectRoot, config.ConfigDirName, "artifacts", "ws", wsName, "destroy")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, refTimestamp(now)+".json")
	if err := objstore.AtomicWriteFile(path, data, 0644); err != nil {
		return "", err
	}
	if err := objstore.AtomicWriteFile(filepath.Join(dir, "latest.json"), data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// snapshotEntries walks ws's working copy (tracked and untracked
// non-ignored files alike) and hashes each entry's content into the store,
// mirroring internal/merge's freezeWorkspace walk but without any base-tree
// comparison. Every regular file and symlink present becomes a tree entry;
// symlinks are recorded at mode 120000 with their target as blob content so
// a capture restores as a byte-for-byte copy of the working copy, not a
// lossy approximation of it.
func snapshotEntries(ws *workspace.Workspace) ([]gitutil.TreeEntry, error) {
	store := ws.Store()
	matcher, err := ignore.LoadFromDir(ws.Root())
	if err != nil {
		return nil, fmt.Errorf("load ignore patterns: %w", err)
	}

	var entries []gitutil.TreeEntry
	walkErr := filepath.Walk(ws.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ws.Root(), path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matcher.Match(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", rel, err)
			}
			digest, err := store.HashBlob([]byte(target))
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			entries = append(entries, gitutil.TreeEntry{Path: rel, Mode: "120000", Digest: digest})
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		digest, err := store.HashBlob(content)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		mode := "100644"
		if info.Mode()&0111 != 0 {
			mode = "100755"
		}
		entries = append(entries, gitutil.TreeEntry{Path: rel, Mode: mode, Digest: digest})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
