// Package patchset implements the in-memory representation of one
// workspace's changes relative to its base epoch: the value the merge
// pipeline's resolve kernel joins.
package patchset

import (
	"fmt"
	"sort"

	"github.com/bobisme/manifold/internal/fileid"
)

// Kind enumerates the four ways a path can change.
type Kind int

const (
	Add Kind = iota
	Modify
	Delete
	Rename
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	case Rename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is one entry of a Patch-Set.
type Change struct {
	Kind Kind

	// OldPath is set for Modify, Delete, Rename.
	OldPath string
	// NewPath is set for Add, Modify, Rename.
	NewPath string

	// NewDigest is the blob digest of the new content; unset for Delete.
	NewDigest string
	// BaseDigest is the blob digest of the content at the base epoch, if
	// the path existed there; empty for a pure Add.
	BaseDigest string

	FileID fileid.ID
	Mode   string
}

// Path returns the path this change is indexed by within the patch-set: the
// new path for Add/Modify/Rename, the old path for Delete.
func (c Change) Path() string {
	if c.Kind == Delete {
		return c.OldPath
	}
	return c.NewPath
}

// PatchSet is one workspace's frozen change set relative to BaseEpoch.
// Changes are kept sorted by Path() and each path appears at most once, per
// the invariants in the spec's data model.
type PatchSet struct {
	Workspace string
	BaseEpoch string
	Changes   []Change
}

// New builds a PatchSet, sorting and validating the closed-under-base
// invariants: no duplicate paths, and each non-Add change's BaseDigest is
// populated (closure against the base tree is the caller's job --
// PatchSet only refuses to accept a change that's missing the field
// entirely where it's required).
func New(workspace, baseEpoch string, changes []Change) (*PatchSet, error) {
	sorted := make([]Change, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path() < sorted[j].Path() })

	seen := make(map[string]bool, len(sorted))
	for _, c := range sorted {
		p := c.Path()
		if seen[p] {
			return nil, fmt.Errorf("patchset: duplicate path %q", p)
		}
		seen[p] = true
		if c.Kind != Add && c.BaseDigest == "" {
			return nil, fmt.Errorf("patchset: %s change at %q missing base digest", c.Kind, p)
		}
	}
	return &PatchSet{Workspace: workspace, BaseEpoch: baseEpoch, Changes: sorted}, nil
}

// Paths returns the sorted set of paths touched by this patch-set.
func (p *PatchSet) Paths() []string {
	out := make([]string, len(p.Changes))
	for i, c := range p.Changes {
		out[i] = c.Path()
	}
	return out
}

// Get returns the change at path, if any.
func (p *PatchSet) Get(path string) (Change, bool) {
	// Changes are sorted by path, but linear scan is fine at the sizes a
	// single workspace edit set reaches; binary search would complicate
	// the Rename-vs-Delete dual-path lookup for no real gain.
	for _, c := range p.Changes {
		if c.Path() == path {
			return c, true
		}
	}
	return Change{}, false
}

// IsEmpty reports whether the patch-set has no changes.
func (p *PatchSet) IsEmpty() bool { return len(p.Changes) == 0 }
