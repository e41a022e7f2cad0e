package merge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bobisme/manifold/internal/fileid"
	"github.com/bobisme/manifold/internal/ignore"
	"github.com/bobisme/manifold/internal/patchset"
	"github.com/bobisme/manifold/internal/workspace"
)

// freezeWorkspace extracts and persists ws's changes relative to its base
// epoch as a frozen Patch-Set. Content digests are computed directly against
// the object store (git blob hashes) rather than through the stat-cache's
// sha256 manifest hashes, so every Change.NewDigest is usable as-is when the
// resolve kernel and BUILD phase later call ReadBlob/BuildTree on it.
func freezeWorkspace(ws *workspace.Workspace, fids *fileid.Map) (*patchset.PatchSet, error) {
	store := ws.Store()
	baseTree, err := store.TreeAt(ws.BaseEpoch())
	if err != nil {
		return nil, fmt.Errorf("freeze %s: resolve base tree: %w", ws.Name(), err)
	}
	baseEntries, err := store.TreeEntries(baseTree)
	if err != nil {
		return nil, fmt.Errorf("freeze %s: list base tree: %w", ws.Name(), err)
	}
	baseByPath := make(map[string]string, len(baseEntries))
	baseModeByPath := make(map[string]string, len(baseEntries))
	for _, e := range baseEntries {
		baseByPath[e.Path] = e.Digest
		baseModeByPath[e.Path] = e.Mode
	}

	matcher, err := ignore.LoadFromDir(ws.Root())
	if err != nil {
		return nil, fmt.Errorf("freeze %s: load ignore patterns: %w", ws.Name(), err)
	}

	seen := map[string]bool{}
	var changes []patchset.Change

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
		seen[rel] = true

		mode := gitMode(info)
		var content []byte
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", rel, err)
			}
			content, mode = []byte(target), "120000"
		} else if content, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		digest, err := store.HashBlob(content)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rel, err)
		}

		baseDigest, existedBefore := baseByPath[rel]
		if existedBefore && baseDigest == digest {
			return nil
		}

		id, err := fids.Assign(rel)
		if err != nil {
			return err
		}

		if existedBefore {
			changes = append(changes, patchset.Change{
				Kind: patchset.Modify, OldPath: rel, NewPath: rel,
				NewDigest: digest, BaseDigest: baseDigest, FileID: id, Mode: mode,
			})
		} else {
			changes = append(changes, patchset.Change{
				Kind: patchset.Add, NewPath: rel, NewDigest: digest, FileID: id, Mode: mode,
			})
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("freeze %s: walk: %w", ws.Name(), walkErr)
	}

	for path, digest := range baseByPath {
		if seen[path] {
			continue
		}
		id, _ := fids.Lookup(path)
		changes = append(changes, patchset.Change{Kind: patchset.Delete, OldPath: path, BaseDigest: digest, FileID: id})
	}

	changes, err = detectRenames(changes, fids)
	if err != nil {
		return nil, fmt.Errorf("freeze %s: %w", ws.Name(), err)
	}

	return patchset.New(ws.Name(), ws.BaseEpoch(), changes)
}

func gitMode(info os.FileInfo) string {
	if info.Mode()&0111 != 0 {
		return "100755"
	}
	return "100644"
}

// detectRenames pairs a Delete against an Add of identical content into a
// single Rename change, preserving the deleted path's file-id onto the new
// path via fids.Rename -- the classic content-identity rename heuristic,
// applied within one workspace's own edits.
func detectRenames(changes []patchset.Change, fids *fileid.Map) ([]patchset.Change, error) {
	var deletes, adds, rest []patchset.Change
	for _, c := range changes {
		switch c.Kind {
		case patchset.Delete:
			deletes = append(deletes, c)
		case patchset.Add:
			adds = append(adds, c)
		default:
			rest = append(rest, c)
		}
	}

	usedAdds := make(map[int]bool, len(adds))
	var out []patchset.Change
	for _, d := range deletes {
		matched := -1
		for i, a := range adds {
			if usedAdds[i] {
				continue
			}
			if a.NewDigest == d.BaseDigest {
				matched = i
				break
			}
		}
		if matched < 0 {
			out = append(out, d)
			continue
		}
		a := adds[matched]
		usedAdds[matched] = true
		if err := fids.Rename(d.OldPath, a.NewPath); err != nil {
			out = append(out, d, a)
			continue
		}
		id, _ := fids.Lookup(a.NewPath)
		out = append(out, patchset.Change{
			Kind: patchset.Rename, OldPath: d.OldPath, NewPath: a.NewPath,
			NewDigest: a.NewDigest, BaseDigest: d.BaseDigest, FileID: id, Mode: a.Mode,
		})
	}
	for i, a := range adds {
		if !usedAdds[i] {
			out = append(out, a)
		}
	}
	out = append(out, rest...)

	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}
