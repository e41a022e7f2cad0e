package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bobisme/manifold/internal/config"
	"github.com/bobisme/manifold/internal/failpoint"
	"github.com/bobisme/manifold/internal/fileid"
	"github.com/bobisme/manifold/internal/gitutil"
	"github.com/bobisme/manifold/internal/merrors"
	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/patchset"
	"github.com/bobisme/manifold/internal/resolve"
	"github.com/bobisme/manifold/internal/workspace"
)

// Pipeline runs the PREPARE -> BUILD -> VALIDATE -> COMMIT -> CLEANUP merge
// protocol for one project. Each exported method is independently callable
// so crash recovery and tests can drive a single phase at a time.
type Pipeline struct {
	Root  string
	Store *objstore.Store
	Cfg   *config.ProjectConfig
	FIDs  *fileid.Map
}

// New returns a Pipeline bound to a project root, opening the object store
// and file-id map rooted there.
func New(root string, cfg *config.ProjectConfig) (*Pipeline, error) {
	store := objstore.Open(root, root, root+"/.manifold/merge-index")
	fids, err := fileid.Load(root + "/.manifold/fileids")
	if err != nil {
		return nil, fmt.Errorf("load file-id map: %w", err)
	}
	return &Pipeline{Root: root, Store: store, Cfg: cfg, FIDs: fids}, nil
}

// ResolvedPath is one entry of the plan's `resolved` array.
type ResolvedPath struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Plan is the merge plan output described in spec.md §6: reproducible via
// MergeID, a deterministic digest over the inputs.
type Plan struct {
	MergeID         string              `json:"merge_id"`
	EpochBefore     string              `json:"epoch_before"`
	CandidateCommit string              `json:"candidate_commit"`
	Resolved        []ResolvedPath      `json:"resolved"`
	Conflicts       []*resolve.Conflict `json:"conflicts"`
}

// HasConflicts reports whether any path failed to resolve cleanly. `ws
// merge` returns non-zero whenever this is true, even if a candidate commit
// was produced.
func (p *Plan) HasConflicts() bool { return len(p.Conflicts) > 0 }

// Prepare acquires the merge-state file by exclusive create, freezes every
// named source workspace into a patch-set at its recorded base epoch, and
// refuses if any source is stale against the current epoch.
func (p *Pipeline) Prepare(sources []string, destroyAfter bool) (*State, []*patchset.PatchSet, error) {
	if existing, found, err := InProgress(p.Root); err != nil {
		return nil, nil, err
	} else if found {
		return nil, nil, fmt.Errorf("merge attempt already in progress (phase %s); run recovery before retrying: %+v", existing.Phase, existing)
	}

	epochBefore, err := p.Store.ReadRef(objstore.EpochRef)
	if err != nil {
		return nil, nil, fmt.Errorf("read epoch ref: %w", err)
	}

	sets := make([]*patchset.PatchSet, 0, len(sources))
	for _, name := range sources {
		ws, err := workspace.Open(p.Root, name)
		if err != nil {
			return nil, nil, fmt.Errorf("open workspace %s: %w", name, err)
		}
		if ws.BaseEpoch() != "" && epochBefore != "" && !p.Store.IsAncestor(ws.BaseEpoch(), epochBefore) {
			ws.Close()
			return nil, nil, fmt.Errorf("%w: workspace %q base epoch %s is not an ancestor of current epoch %s", merrors.ErrStaleInput, name, ws.BaseEpoch(), epochBefore)
		}
		set, err := freezeWorkspace(ws, p.FIDs)
		ws.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("freeze workspace %s: %w", name, err)
		}
		sets = append(sets, set)
	}
	if err := p.FIDs.Save(); err != nil {
		return nil, nil, fmt.Errorf("persist file-id map: %w", err)
	}

	if failpoint.Hit("FP_PREPARE_BEFORE_STATE_WRITE") {
		return nil, nil, fmt.Errorf("failpoint FP_PREPARE_BEFORE_STATE_WRITE")
	}

	st := &State{
		MergeID:      mergeID(epochBefore, sets),
		Phase:        PhasePrepare,
		EpochBefore:  epochBefore,
		Sources:      sources,
		DestroyAfter: destroyAfter,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	if err := objstore.CreateExclusive(statePath(p.Root), data, 0644); err != nil {
		return nil, nil, fmt.Errorf("acquire merge-state file: %w", err)
	}
	return st, sets, nil
}

// mergeID digests the inputs deterministically so the same PREPARE inputs
// always produce the same plan identity.
func mergeID(epochBefore string, sets []*patchset.PatchSet) string {
	h := sha256.New()
	fmt.Fprintf(h, "epoch:%s\n", epochBefore)
	sorted := make([]*patchset.PatchSet, len(sets))
	copy(sorted, sets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Workspace < sorted[j].Workspace })
	for _, s := range sorted {
		fmt.Fprintf(h, "ws:%s\n", s.Workspace)
		for _, c := range s.Changes {
			fmt.Fprintf(h, "  %s %s old=%s new=%s base=%s\n", c.Kind, c.Path(), c.OldPath, c.NewDigest, c.BaseDigest)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Build executes the BUILD phase: partition touched paths, reroute renames
// through the file-id map, resolve each path via the resolve kernel, and
// construct + commit the candidate tree. The commit's parent is EpochBefore;
// conflicted paths are written as marker files rather than omitted, so
// downstream editing has something to act on.
func (p *Pipeline) Build(st *State, sets []*patchset.PatchSet) (*Plan, error) {
	st.Phase = PhaseBuild
	if err := p.saveState(st); err != nil {
		return nil, err
	}

	grouped, divergentRenames := p.groupEntries(sets)

	outcomes, err := resolve.Resolve(grouped, p.Store)
	if err != nil {
		return nil, fmt.Errorf("resolve kernel: %w", err)
	}

	baseTree, err := p.Store.TreeAt(st.EpochBefore)
	if err != nil {
		return nil, fmt.Errorf("resolve base tree: %w", err)
	}
	entries, err := p.Store.TreeEntries(baseTree)
	if err != nil {
		return nil, fmt.Errorf("list base tree: %w", err)
	}
	byPath := make(map[string]gitutil.TreeEntry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	plan := &Plan{MergeID: st.MergeID, EpochBefore: st.EpochBefore}
	for _, dr := range divergentRenames {
		markerDigest, err := p.writeMarkerBlob(dr, nil)
		if err != nil {
			return nil, err
		}
		byPath[dr.Path] = gitutil.TreeEntry{Path: dr.Path, Mode: "100644", Digest: markerDigest}
		plan.Conflicts = append(plan.Conflicts, dr)
	}
	for _, o := range outcomes {
		switch o.Kind {
		case resolve.KindDelete:
			delete(byPath, o.Path)
			plan.Resolved = append(plan.Resolved, ResolvedPath{Path: o.Path, Kind: "delete"})
		case resolve.KindUpsert:
			mode := "100644"
			if e, ok := byPath[o.Path]; ok {
				mode = e.Mode
			}
			byPath[o.Path] = gitutil.TreeEntry{Path: o.Path, Mode: mode, Digest: o.Digest}
			plan.Resolved = append(plan.Resolved, ResolvedPath{Path: o.Path, Kind: "upsert"})
		case resolve.KindConflict:
			markerDigest, err := p.writeMarkerBlob(o.Conflict, grouped[o.Path])
			if err != nil {
				return nil, err
			}
			byPath[o.Path] = gitutil.TreeEntry{Path: o.Path, Mode: "100644", Digest: markerDigest}
			plan.Conflicts = append(plan.Conflicts, o.Conflict)
		}
	}

	treeEntries := make([]gitutil.TreeEntry, 0, len(byPath))
	for _, e := range byPath {
		treeEntries = append(treeEntries, e)
	}
	sort.Slice(treeEntries, func(i, j int) bool { return treeEntries[i].Path < treeEntries[j].Path })

	candidateTree, err := p.Store.BuildTree(treeEntries)
	if err != nil {
		return nil, fmt.Errorf("build candidate tree: %w", err)
	}

	author := objstore.Author{Name: "manifold", Email: "merge@manifold.local"}
	message := candidateMessage(st)
	var parents []string
	if st.EpochBefore != "" {
		parents = []string{st.EpochBefore}
	}
	candidate, err := p.Store.Commit(candidateTree, parents, author, author, message)
	if err != nil {
		return nil, fmt.Errorf("commit candidate: %w", err)
	}
	plan.CandidateCommit = candidate

	st.CandidateCommit = candidate
	if err := p.saveState(st); err != nil {
		return nil, err
	}
	return plan, nil
}

func candidateMessage(st *State) string {
	return fmt.Sprintf("manifold merge %s: %s -> candidate", st.MergeID[:12], strings.Join(st.Sources, ","))
}

func (p *Pipeline) saveState(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return objstore.AtomicWriteFile(statePath(p.Root), data, 0644)
}

// groupEntries builds the per-path resolve.Entry groups, applying rename
// reroute: a patch-set that renamed a file-id reroutes every other
// patch-set's entry for that same file-id's old path onto the new path,
// unless two patch-sets renamed the same file-id to different targets, which
// surfaces as a DivergentRename conflict instead.
func (p *Pipeline) groupEntries(sets []*patchset.PatchSet) (map[string][]resolve.Entry, []*resolve.Conflict) {
	renameTargets := map[fileid.ID]map[string]bool{} // file-id -> set of new paths
	renameSides := map[fileid.ID][]resolve.Side{}
	for _, s := range sets {
		for _, c := range s.Changes {
			if c.Kind == patchset.Rename {
				if renameTargets[c.FileID] == nil {
					renameTargets[c.FileID] = map[string]bool{}
				}
				renameTargets[c.FileID][c.NewPath] = true
				renameSides[c.FileID] = append(renameSides[c.FileID], resolve.Side{Workspace: s.Workspace, Digest: c.NewDigest})
			}
		}
	}

	var divergent []*resolve.Conflict
	skipFileID := map[fileid.ID]bool{}
	for id, targets := range renameTargets {
		if len(targets) > 1 {
			tlist := make([]string, 0, len(targets))
			for t := range targets {
				tlist = append(tlist, t)
			}
			sort.Strings(tlist)
			divergent = append(divergent, &resolve.Conflict{
				Variant: resolve.DivergentRename, FileID: id, Targets: tlist,
				Sides: renameSides[id], Path: tlist[0],
			})
			skipFileID[id] = true
		}
	}
	sort.Slice(divergent, func(i, j int) bool { return divergent[i].Path < divergent[j].Path })

	rerouteTarget := func(id fileid.ID) (string, bool) {
		targets := renameTargets[id]
		if len(targets) != 1 {
			return "", false
		}
		for t := range targets {
			return t, true
		}
		return "", false
	}

	grouped := map[string][]resolve.Entry{}
	now := time.Now()
	for _, s := range sets {
		for _, c := range s.Changes {
			if !c.FileID.IsZero() && skipFileID[c.FileID] {
				continue
			}
			path := c.Path()
			if !c.FileID.IsZero() && c.Kind != patchset.Rename {
				if target, ok := rerouteTarget(c.FileID); ok && target != path {
					path = target
				}
			}
			grouped[path] = append(grouped[path], resolve.Entry{
				Workspace: s.Workspace, Kind: c.Kind,
				NewDigest: c.NewDigest, BaseDigest: c.BaseDigest, Timestamp: now,
			})
		}
	}
	delete(grouped, "")
	return grouped, divergent
}

func (p *Pipeline) writeMarkerBlob(c *resolve.Conflict, entries []resolve.Entry) (string, error) {
	sideContent := map[string][]byte{}
	for _, e := range entries {
		if e.NewDigest == "" {
			continue
		}
		content, err := p.Store.ReadBlob(e.NewDigest)
		if err != nil {
			continue
		}
		sideContent[e.Workspace] = content
	}
	var base []byte
	if len(c.Sides) > 0 {
		for _, e := range entries {
			if e.BaseDigest != "" {
				if b, err := p.Store.ReadBlob(e.BaseDigest); err == nil {
					base = b
				}
				break
			}
		}
	}
	body := renderConflictMarkers(c, base, sideContent)
	return p.Store.HashBlob(body)
}

// Validate materialises the candidate commit into a scratch directory and
// runs every configured validation command against it, each treated as
// fatal on non-zero exit or on timeout.
func (p *Pipeline) Validate(ctx context.Context, st *State, scratchDir string, timeout time.Duration) error {
	st.Phase = PhaseValidate
	if err := p.saveState(st); err != nil {
		return err
	}
	if st.CandidateCommit == "" {
		return fmt.Errorf("validate: no candidate commit recorded")
	}
	tree, err := p.Store.TreeAt(st.CandidateCommit)
	if err != nil {
		return fmt.Errorf("resolve candidate tree: %w", err)
	}
	if err := p.Store.Materialise(tree, scratchDir); err != nil {
		return fmt.Errorf("materialise candidate: %w", err)
	}

	for _, argv := range p.Cfg.ValidationCommands {
		if len(argv) == 0 {
			continue
		}
		cctx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, timeout)
		}
		cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
		cmd.Dir = scratchDir
		out, runErr := cmd.CombinedOutput()
		if cancel != nil {
			cancel()
		}
		if cctx.Err() == context.DeadlineExceeded {
			return &merrors.ValidateFailed{Reason: fmt.Sprintf("%v timed out", argv), Err: cctx.Err()}
		}
		if runErr != nil {
			return &merrors.ValidateFailed{Reason: fmt.Sprintf("%v: %s", argv, strings.TrimSpace(string(out))), Err: runErr}
		}
	}
	return nil
}

// quarantineRecord is the JSON shape written to .manifold/quarantine on a
// VALIDATE failure: the candidate commit plus enough of the conflict summary
// to diagnose the failure without re-running the merge.
type quarantineRecord struct {
	MergeID         string              `json:"merge_id"`
	CandidateCommit string              `json:"candidate_commit"`
	Reason          string              `json:"reason"`
	Conflicts       []*resolve.Conflict `json:"conflicts,omitempty"`
	Resolved        []ResolvedPath      `json:"resolved,omitempty"`
	QuarantinedAt   time.Time           `json:"quarantined_at"`
}

func quarantineDir(projectRoot string) string {
	return filepath.Join(projectRoot, config.ConfigDirName, "quarantine")
}

// Quarantine writes plan and validateErr into .manifold/quarantine/<merge
// id>.json: spec.md §4.3 requires that a VALIDATE failure leave the
// candidate and its conflict summary somewhere a human can inspect, rather
// than only surfacing the error on stderr. It never returns an error that
// should block the caller from reporting validateErr -- quarantining is
// best-effort diagnostics, not part of the pipeline's correctness.
func (p *Pipeline) Quarantine(plan *Plan, validateErr error) error {
	dir := quarantineDir(p.Root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	rec := quarantineRecord{
		MergeID:         plan.MergeID,
		CandidateCommit: plan.CandidateCommit,
		Reason:          validateErr.Error(),
		Conflicts:       plan.Conflicts,
		Resolved:        plan.Resolved,
		QuarantinedAt:   time.Now(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode quarantine record: %w", err)
	}
	path := filepath.Join(dir, plan.MergeID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write quarantine record: %w", err)
	}
	return nil
}

// Commit atomically advances the epoch and branch refs in one cas_multi. On
// CAS failure it aborts without touching any ref; the merge-state file is
// preserved so the caller can inspect and retry from PREPARE.
func (p *Pipeline) Commit(st *State) error {
	st.Phase = PhaseCommit
	if err := p.saveState(st); err != nil {
		return err
	}

	branchRef := objstore.BranchRef()
	branchBefore, err := p.Store.ReadRef(branchRef)
	if err != nil {
		return fmt.Errorf("read branch ref: %w", err)
	}

	if failpoint.Hit("FP_COMMIT_BEFORE_CAS") {
		return fmt.Errorf("failpoint FP_COMMIT_BEFORE_CAS")
	}

	err = p.Store.CasMulti([]objstore.RefUpdate{
		{Name: objstore.EpochRef, Expected: st.EpochBefore, New: st.CandidateCommit},
		{Name: branchRef, Expected: branchBefore, New: st.CandidateCommit},
	})

	if failpoint.Hit("FP_COMMIT_AFTER_EPOCH_CAS") {
		// Simulates a crash between the epoch and branch CAS landing, even
		// though cas_multi applied both atomically; recovery's handling of
		// "epoch moved, branch not moved" is exercised by driving the two
		// refs independently in that test instead of via this failpoint.
		return fmt.Errorf("failpoint FP_COMMIT_AFTER_EPOCH_CAS")
	}

	if err != nil {
		if isStale(err) {
			return fmt.Errorf("%w: %v", merrors.ErrCommitRaced, err)
		}
		return fmt.Errorf("commit cas_multi: %w", err)
	}

	st.Phase = PhaseCleanup
	return p.saveState(st)
}

func isStale(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ref moved since expected value was read")
}

// Cleanup materialises the new epoch into the default workspace via
// preserve-replay, destroys any source flagged destroy-after-merge (logging
// rather than failing if a capture can't be pinned -- the commit itself is
// never undone), and removes the merge-state file.
func (p *Pipeline) Cleanup(st *State, replayFn func(candidate string) error, destroyFn func(name string) error) []error {
	var warnings []error
	if replayFn != nil {
		if err := replayFn(st.CandidateCommit); err != nil {
			warnings = append(warnings, fmt.Errorf("default workspace replay: %w", err))
		}
	}
	if st.DestroyAfter && destroyFn != nil {
		for _, name := range st.Sources {
			if name == workspace.DefaultWorkspace {
				continue
			}
			if err := destroyFn(name); err != nil {
				warnings = append(warnings, fmt.Errorf("destroy %s after merge: %w", name, err))
			}
		}
	}
	if err := Abandon(p.Root); err != nil {
		warnings = append(warnings, fmt.Errorf("remove merge-state file: %w", err))
	}
	return warnings
}
