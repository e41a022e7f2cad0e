// Package oplog implements the per-workspace append-only operation log
// (spec.md §3): each operation is a JSON record persisted as a store blob,
// chained to its parent by digest, with the log's head tracked by a mutable
// ref so readers always have a single entry point.
package oplog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobisme/manifold/internal/objstore"
)

// Kind is the tag of an operation record.
type Kind string

const (
	Create     Kind = "create"
	Snapshot   Kind = "snapshot"
	Compensate Kind = "compensate" // inverse of a prior operation
	Merge      Kind = "merge"
	Describe   Kind = "describe"
	Annotate   Kind = "annotate"
	Destroy    Kind = "destroy"
)

// Operation is one append-only log record.
type Operation struct {
	Kind        Kind            `json:"kind"`
	EpochID     string          `json:"epoch_id"`
	WorkspaceID string          `json:"workspace_id"`
	Sequence    uint64          `json:"sequence"`
	Parent      string          `json:"parent,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Append writes op as a new blob chained onto workspace's current head, and
// advances head/<workspace> to it via CAS. op.Parent and op.Sequence are set
// by Append; any value the caller supplied is overwritten.
func Append(store *objstore.Store, workspace string, op Operation) (digest string, err error) {
	ref := objstore.HeadRef(workspace)
	parent, err := store.ReadRef(ref)
	if err != nil {
		return "", fmt.Errorf("read log head for %s: %w", workspace, err)
	}

	op.Parent = parent
	op.Sequence = 0
	if parent != "" {
		prev, err := Load(store, parent)
		if err != nil {
			return "", fmt.Errorf("load parent operation %s: %w", parent, err)
		}
		op.Sequence = prev.Sequence + 1
	}

	data, err := json.Marshal(op)
	if err != nil {
		return "", err
	}
	digest, err = store.HashBlob(data)
	if err != nil {
		return "", fmt.Errorf("write operation blob: %w", err)
	}
	if err := store.CasRef(ref, parent, digest); err != nil {
		return "", fmt.Errorf("advance log head for %s: %w", workspace, err)
	}
	return digest, nil
}

// Load reads and decodes the operation stored at digest.
func Load(store *objstore.Store, digest string) (*Operation, error) {
	data, err := store.ReadBlob(digest)
	if err != nil {
		return nil, fmt.Errorf("read operation %s: %w", digest, err)
	}
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", digest, err)
	}
	return &op, nil
}

// History walks workspace's log from its head back to the root, returning
// (digest, operation) pairs newest-first.
func History(store *objstore.Store, workspace string) ([]string, []*Operation, error) {
	head, err := store.ReadRef(objstore.HeadRef(workspace))
	if err != nil {
		return nil, nil, fmt.Errorf("read log head for %s: %w", workspace, err)
	}
	var digests []string
	var ops []*Operation
	cur := head
	for cur != "" {
		op, err := Load(store, cur)
		if err != nil {
			return nil, nil, err
		}
		digests = append(digests, cur)
		ops = append(ops, op)
		cur = op.Parent
	}
	return digests, ops, nil
}

// Head returns the digest of workspace's latest operation, or "" if none.
func Head(store *objstore.Store, workspace string) (string, error) {
	return store.ReadRef(objstore.HeadRef(workspace))
}
