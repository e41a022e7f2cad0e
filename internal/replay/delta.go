package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bobisme/manifold/internal/gitutil"
	"github.com/bobisme/manifold/internal/ignore"
	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/workspace"
)

// fileState is one path's state on one side of a delta: either present
// (Exists, with its content available directly or by digest) or absent.
type fileState struct {
	Exists  bool
	Digest  string
	Mode    string
	Content []byte // already in hand for unstaged entries read straight off disk
}

func (f fileState) content(store *objstore.Store) ([]byte, error) {
	if f.Content != nil {
		return f.Content, nil
	}
	if f.Digest == "" {
		return nil, nil
	}
	return store.ReadBlob(f.Digest)
}

// Deltas are the three user-delta artefacts §4.5 extracts relative to a
// workspace's base_epoch: what the index holds that the base tree doesn't
// (Staged), what the working tree holds that the index doesn't (Unstaged),
// and untracked non-ignored paths.
type Deltas struct {
	Staged    map[string]fileState
	Unstaged  map[string]fileState
	Untracked []string
}

// IsEmpty reports whether the workspace has no uncommitted user work at all,
// the case where preserve-replay degenerates to a direct materialise.
func (d *Deltas) IsEmpty() bool {
	return len(d.Staged) == 0 && len(d.Unstaged) == 0 && len(d.Untracked) == 0
}

// ExtractDeltas computes the three delta artefacts by comparing ws's base
// tree, its git index (populated at create/sync time, possibly since
// diverged by direct index edits), and its on-disk working tree.
func ExtractDeltas(ws *workspace.Workspace) (*Deltas, error) {
	store := ws.Store()

	baseTree, err := store.TreeAt(ws.BaseEpoch())
	if err != nil {
		return nil, fmt.Errorf("resolve base tree: %w", err)
	}
	baseEntries, err := store.TreeEntries(baseTree)
	if err != nil {
		return nil, fmt.Errorf("list base tree: %w", err)
	}
	baseByPath := make(map[string]gitutil.TreeEntry, len(baseEntries))
	for _, e := range baseEntries {
		baseByPath[e.Path] = e
	}

	indexEntries, err := store.IndexEntries()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	indexByPath := make(map[string]gitutil.TreeEntry, len(indexEntries))
	for _, e := range indexEntries {
		indexByPath[e.Path] = e
	}

	staged := map[string]fileState{}
	seen := map[string]bool{}
	for path := range baseByPath {
		seen[path] = true
	}
	for path := range indexByPath {
		seen[path] = true
	}
	for path := range seen {
		base, inBase := baseByPath[path]
		idx, inIndex := indexByPath[path]
		if inBase && inIndex && base.Digest == idx.Digest {
			continue
		}
		if !inBase && !inIndex {
			continue
		}
		staged[path] = fileState{Exists: inIndex, Digest: idx.Digest, Mode: idx.Mode}
	}

	matcher, err := ignore.LoadFromDir(ws.Root())
	if err != nil {
		return nil, fmt.Errorf("load ignore patterns: %w", err)
	}

	unstaged := map[string]fileState{}
	var untracked []string
	seenOnDisk := map[string]bool{}

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
		if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		idxEntry, tracked := indexByPath[rel]
		if !tracked {
			untracked = append(untracked, rel)
			return nil
		}
		seenOnDisk[rel] = true

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		digest, err := store.HashBlob(content)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}
		if digest == idxEntry.Digest {
			return nil
		}
		unstaged[rel] = fileState{Exists: true, Digest: digest, Mode: gitMode(info), Content: content}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk workspace: %w", walkErr)
	}

	for path := range indexByPath {
		if !seenOnDisk[path] {
			unstaged[path] = fileState{Exists: false}
		}
	}

	sort.Strings(untracked)
	return &Deltas{Staged: staged, Unstaged: unstaged, Untracked: untracked}, nil
}

func gitMode(info os.FileInfo) string {
	if info.Mode()&0111 != 0 {
		return "100755"
	}
	return "100644"
}
