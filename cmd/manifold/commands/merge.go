package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/config"
	"github.com/bobisme/manifold/internal/merge"
	"github.com/bobisme/manifold/internal/oplog"
	"github.com/bobisme/manifold/internal/recovery"
	"github.com/bobisme/manifold/internal/replay"
	"github.com/bobisme/manifold/internal/ui"
	"github.com/bobisme/manifold/internal/workspace"
)

const defaultValidateTimeout = 2 * time.Minute

func newWsMergeCmd() *cobra.Command {
	var destroy, checkOnly, planOnly, asJSON bool
	var validateTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "merge <workspace>...",
		Short: "Merge one or more workspaces into the current epoch",
		Long: `Runs the PREPARE -> BUILD -> VALIDATE -> COMMIT -> CLEANUP pipeline over the
named source workspaces. Exits non-zero whenever the resulting plan still
carries conflicts, even if a candidate commit was produced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runMerge(args, destroy, checkOnly, planOnly, asJSON, validateTimeout)
		},
	}
	cmd.Flags().BoolVar(&destroy, "destroy", false, "destroy each non-persistent source workspace once the merge commits, conflicts or not")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "stop after BUILD; report conflicts without committing")
	cmd.Flags().BoolVar(&planOnly, "plan", false, "print the merge plan as JSON instead of a human summary")
	cmd.Flags().BoolVar(&asJSON, "json", false, "alias for --plan")
	cmd.Flags().DurationVar(&validateTimeout, "validate-timeout", defaultValidateTimeout, "per-command timeout during VALIDATE")
	return cmd
}

func runMerge(sources []string, destroy, checkOnly, planOnly, asJSON bool, validateTimeout time.Duration) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := config.LoadAt(root)
	if err != nil {
		return fmt.Errorf("load project config: %w", err)
	}
	pipeline, err := merge.New(root, cfg)
	if err != nil {
		return err
	}

	st, sets, err := pipeline.Prepare(sources, destroy)
	if err != nil {
		return err
	}

	plan, err := pipeline.Build(st, sets)
	if err != nil {
		return err
	}

	if checkOnly || planOnly || asJSON {
		if err := printJSON(plan); err != nil {
			return err
		}
		if err := merge.Abandon(root); err != nil {
			fmt.Fprintln(os.Stderr, ui.Yellow("warning: ")+"could not remove merge-state file: "+err.Error())
		}
		if plan.HasConflicts() {
			return SilentExit(1)
		}
		return nil
	}

	scratch, err := os.MkdirTemp("", "manifold-validate-*")
	if err != nil {
		return fmt.Errorf("create validation scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := pipeline.Validate(context.Background(), st, scratch, validateTimeout); err != nil {
		fmt.Fprintln(os.Stderr, ui.Red("validation failed: ")+err.Error())
		if qErr := pipeline.Quarantine(plan, err); qErr != nil {
			fmt.Fprintln(os.Stderr, ui.Yellow("warning: ")+"could not write quarantine record: "+qErr.Error())
		} else {
			fmt.Fprintf(os.Stderr, "candidate and conflict summary quarantined at .manifold/quarantine/%s.json\n", plan.MergeID)
		}
		fmt.Fprintln(os.Stderr, "the merge-state file was left in place at .manifold/merge-state.json; a new merge refuses to start until it is removed")
		return SilentExit(1)
	}

	if err := pipeline.Commit(st); err != nil {
		return err
	}

	for _, src := range sources {
		recordOp(pipeline.Store, src, st.EpochBefore, oplog.Merge, map[string]any{
			"merge_id":         plan.MergeID,
			"candidate_commit": plan.CandidateCommit,
			"conflicts":        len(plan.Conflicts),
		})
	}

	warnings := pipeline.Cleanup(st, func(candidate string) error {
		return replayDefaultWorkspace(root, candidate)
	}, func(name string) error {
		return destroyWorkspace(root, name)
	})
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, ui.Yellow("warning: ")+w.Error())
	}

	fmt.Printf("merge %s committed as %s\n", plan.MergeID[:12], shortSHA(plan.CandidateCommit))
	for _, r := range plan.Resolved {
		fmt.Printf("  %s  %s\n", r.Kind, r.Path)
	}
	if plan.HasConflicts() {
		fmt.Println(ui.Yellow(fmt.Sprintf("%d path(s) left with conflict markers:", len(plan.Conflicts))))
		for _, c := range plan.Conflicts {
			fmt.Printf("  %s\n", ui.Conflict(fmt.Sprintf("%s (%s)", c.Path, c.Variant)))
		}
		return SilentExit(1)
	}
	return nil
}

func replayDefaultWorkspace(root, candidate string) error {
	ws, err := workspace.Open(root, workspace.DefaultWorkspace)
	if err != nil {
		return err
	}
	defer ws.Close()
	result, err := replay.Replay(ws, candidate, time.Now())
	if err != nil {
		reportRecoverable(err)
		return err
	}
	if err := ws.AdvanceBaseEpoch(candidate); err != nil {
		return fmt.Errorf("advance default workspace base epoch: %w", err)
	}
	if !result.Trivial {
		fmt.Printf("default workspace preserved via recovery ref %s\n", result.Capture.RefName)
	}
	return nil
}

func destroyWorkspace(root, name string) error {
	ws, err := workspace.Open(root, name)
	if err != nil {
		return err
	}
	if ws.Persistent() {
		ws.Close()
		return nil
	}
	art, err := recovery.Capture(ws, "destroy-after-merge", time.Now())
	store := ws.Store()
	ws.Close()
	if err != nil {
		return err
	}
	return workspace.Destroy(store, root, name, art.RefName)
}
