package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bobisme/manifold/internal/config"
	"github.com/bobisme/manifold/internal/merrors"
	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/oplog"
	"github.com/bobisme/manifold/internal/ui"
)

// projectRoot resolves the current project's root, failing with a clear
// message if the command is not run from inside an initialised project.
func projectRoot() (string, error) {
	root, err := config.FindProjectRoot()
	if err != nil {
		return "", fmt.Errorf("not inside a manifold project (run `manifold init` first): %w", err)
	}
	return root, nil
}

// openStore opens the object store adapter for root's git repository,
// using root itself as the scratch work tree and index for plumbing
// operations that need one.
func openStore(root string) *objstore.Store {
	return objstore.Open(root, root, root+"/.manifold/scratch-index")
}

// reportRecoverable prints the five-field recovery surface a *merrors.Recoverable
// carries, so the operator always has a concrete restore command on stderr.
func reportRecoverable(err error) {
	var rec *merrors.Recoverable
	if !errors.As(err, &rec) {
		fmt.Fprintln(os.Stderr, ui.Red("error: ")+err.Error())
		return
	}
	fmt.Fprintln(os.Stderr, ui.Red("error: ")+rec.Error())
	fmt.Fprintln(os.Stderr, ui.Dim("  recovery ref:  ")+rec.RefName)
	fmt.Fprintln(os.Stderr, ui.Dim("  object oid:    ")+rec.ObjectOID)
	if rec.Artefact != "" {
		fmt.Fprintln(os.Stderr, ui.Dim("  artefact:      ")+rec.Artefact)
	}
	fmt.Fprintln(os.Stderr, ui.Dim("  description:   ")+rec.Description)
	fmt.Fprintln(os.Stderr, ui.Dim("  restore with:  ")+rec.RestoreCmd)
}

// recordOp appends an entry to workspace's operation log. A failure to
// record is reported on stderr rather than propagated: the log is a
// diagnostic/recovery aid, not a precondition for the action it describes
// having already taken effect.
func recordOp(store *objstore.Store, workspaceName, epoch string, kind oplog.Kind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.Yellow("warning: ")+"could not encode operation payload: "+err.Error())
		return
	}
	op := oplog.Operation{
		Kind:        kind,
		EpochID:     epoch,
		WorkspaceID: workspaceName,
		Payload:     raw,
		RecordedAt:  time.Now(),
	}
	if _, err := oplog.Append(store, workspaceName, op); err != nil {
		fmt.Fprintln(os.Stderr, ui.Yellow("warning: ")+"could not record operation: "+err.Error())
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
