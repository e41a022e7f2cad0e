// Package merge implements the merge pipeline: PREPARE -> BUILD -> VALIDATE
// -> COMMIT -> CLEANUP over a durable JSON state file, so a crash at any
// phase boundary is either undoable or recoverable by deterministic replay.
package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobisme/manifold/internal/config"
	"github.com/bobisme/manifold/internal/merrors"
	"github.com/bobisme/manifold/internal/objstore"
)

// Phase is one of the pipeline's durable checkpoints.
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseBuild    Phase = "build"
	PhaseValidate Phase = "validate"
	PhaseCommit   Phase = "commit"
	PhaseCleanup  Phase = "cleanup"
)

// State is the durable merge-state file: the mutual-exclusion primitive for
// one logical merge attempt (O_EXCL create), not a lock on the repository.
type State struct {
	MergeID         string    `json:"merge_id"`
	Phase           Phase     `json:"phase"`
	EpochBefore     string    `json:"epoch_before"`
	CandidateCommit string    `json:"candidate_commit,omitempty"`
	Sources         []string  `json:"sources"`
	DestroyAfter    bool      `json:"destroy_after"`
	CreatedAt       time.Time `json:"created_at"`
}

func statePath(projectRoot string) string {
	return filepath.Join(projectRoot, config.ConfigDirName, "merge-state.json")
}

func loadState(projectRoot string) (*State, error) {
	data, err := os.ReadFile(statePath(projectRoot))
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: merge-state.json: %v", merrors.ErrStateCorrupt, err)
	}
	return &st, nil
}

// InProgress reports whether a merge-state file already exists, and returns
// it for inspection (e.g. by a `ws recover` command).
func InProgress(projectRoot string) (*State, bool, error) {
	st, err := loadState(projectRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return st, true, nil
}

// Recover inspects a leftover merge-state file against the store's current
// epoch ref and resolves the three possible crash points:
//
//   - no candidate commit was ever recorded (crash before/during BUILD):
//     the attempt is discarded, safe to retry from PREPARE.
//   - the epoch ref already points at the candidate but the branch ref does
//     not (crash between the two ref advances): the branch ref is finalised
//     to the candidate and the attempt is marked complete.
//   - the epoch ref is unchanged (crash before COMMIT's CAS landed): the
//     state file is left in place so the caller can retry COMMIT or abandon.
//
// Any other relationship means a different process advanced the epoch to an
// unrelated commit; Recover refuses to guess and surfaces ErrCommitRaced.
func Recover(store *objstore.Store, projectRoot string) (*State, error) {
	st, found, err := InProgress(projectRoot)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if st.CandidateCommit == "" {
		return st, os.Remove(statePath(projectRoot))
	}

	currentEpoch, err := store.ReadRef(objstore.EpochRef)
	if err != nil {
		return nil, fmt.Errorf("read epoch ref during recovery: %w", err)
	}

	switch currentEpoch {
	case st.CandidateCommit:
		branchSHA, err := store.ReadRef(objstore.BranchRef())
		if err != nil {
			return nil, fmt.Errorf("read branch ref during recovery: %w", err)
		}
		if branchSHA != st.CandidateCommit {
			if err := store.CasRef(objstore.BranchRef(), branchSHA, st.CandidateCommit); err != nil {
				return st, fmt.Errorf("finalize branch ref during recovery: %w", err)
			}
		}
		st.Phase = PhaseCleanup
		return st, os.Remove(statePath(projectRoot))
	case st.EpochBefore:
		// COMMIT never landed; the state file stays so the caller can retry
		// COMMIT from the existing candidate or abandon the attempt.
		return st, nil
	default:
		return st, fmt.Errorf("%w: epoch ref moved to an unrelated commit during recovery", merrors.ErrCommitRaced)
	}
}

// Abandon discards a leftover merge-state file without touching any ref.
// Only safe to call when Recover has already confirmed the epoch ref was
// never advanced by this attempt.
func Abandon(projectRoot string) error {
	err := os.Remove(statePath(projectRoot))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
