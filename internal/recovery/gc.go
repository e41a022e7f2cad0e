package recovery

import (
	"fmt"
	"sort"

	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/workspace"
)

// DefaultKeepPerWorkspace is how many of a workspace's most recent recovery
// snapshots GC always retains, regardless of ancestry.
const DefaultKeepPerWorkspace = 10

// GCOpts configures a pruning pass.
type GCOpts struct {
	// KeepPerWorkspace overrides DefaultKeepPerWorkspace when non-zero.
	KeepPerWorkspace int
	DryRun           bool
}

// GCResult reports what a pruning pass found and (unless DryRun) deleted.
type GCResult struct {
	ScannedRefs int
	Pruned      []string
}

// GC prunes recovery refs that are both outside each workspace's
// keep-most-recent window and already an ancestor of a GC root (the current
// epoch, the branch head, or a live workspace's base epoch) -- i.e. the
// tracked content they captured is already reachable through ordinary
// history, so the ref survives only to protect untracked files, and that
// protection ages out once a newer snapshot has taken its place.
//
// A recovery ref outside the keep window but NOT an ancestor of any root
// (the state it holds exists nowhere else) is never pruned.
func GC(projectRoot string, store *objstore.Store, opts GCOpts) (*GCResult, error) {
	keep := opts.KeepPerWorkspace
	if keep <= 0 {
		keep = DefaultKeepPerWorkspace
	}

	roots, err := gcRoots(projectRoot, store)
	if err != nil {
		return nil, fmt.Errorf("collect gc roots: %w", err)
	}

	refs, err := store.ListRefs(objstore.RecoveryRefPrefix)
	if err != nil {
		return nil, fmt.Errorf("list recovery refs: %w", err)
	}

	byWorkspace := map[string][]gitRef{}
	for _, r := range refs {
		wsName, _, ok := parseRecoveryRef(r.Name)
		if !ok {
			continue
		}
		byWorkspace[wsName] = append(byWorkspace[wsName], gitRef{name: r.Name, oid: r.OID})
	}

	result := &GCResult{ScannedRefs: len(refs)}
	for _, group := range byWorkspace {
		sort.Slice(group, func(i, j int) bool { return group[i].name < group[j].name })
		if len(group) <= keep {
			continue
		}
		for _, r := range group[:len(group)-keep] {
			if !ancestorOfAny(store, r.oid, roots) {
				continue
			}
			result.Pruned = append(result.Pruned, r.name)
			if !opts.DryRun {
				if err := store.DeleteRef(r.name); err != nil {
					return result, fmt.Errorf("delete recovery ref %s: %w", r.name, err)
				}
			}
		}
	}
	sort.Strings(result.Pruned)
	return result, nil
}

type gitRef struct {
	name string
	oid  string
}

func ancestorOfAny(store *objstore.Store, oid string, roots []string) bool {
	for _, root := range roots {
		if root != "" && store.IsAncestor(oid, root) {
			return true
		}
	}
	return false
}

func gcRoots(projectRoot string, store *objstore.Store) ([]string, error) {
	seen := map[string]bool{}
	var roots []string
	add := func(oid string) {
		if oid == "" || seen[oid] {
			return
		}
		seen[oid] = true
		roots = append(roots, oid)
	}

	epoch, err := store.ReadRef(objstore.EpochRef)
	if err != nil {
		return nil, fmt.Errorf("read epoch ref: %w", err)
	}
	add(epoch)

	branch, err := store.ReadRef(objstore.BranchRef())
	if err != nil {
		return nil, fmt.Errorf("read branch ref: %w", err)
	}
	add(branch)

	metas, err := workspace.List(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	for _, m := range metas {
		add(m.BaseEpoch)
	}
	return roots, nil
}
