package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/recovery"
	"github.com/bobisme/manifold/internal/workspace"
)

func init() {
	register(func(root *cobra.Command) { root.AddCommand(newGCCmd()) })
}

func newGCCmd() *cobra.Command {
	var dryRun bool
	var keep int

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune aged-out recovery snapshots",
		Long: `Prunes recovery refs that are both outside each workspace's keep-most-recent
window and already an ancestor of the current epoch, the branch head, or a
live workspace's base epoch -- the tracked content they hold is already
reachable through ordinary history. Takes the project's exclusive GC lock,
blocking until every in-flight workspace operation releases its shared lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			lock, err := workspace.AcquireGCLock(root)
			if err != nil {
				return err
			}
			defer lock.Release()

			store := openStore(root)
			result, err := recovery.GC(root, store, recovery.GCOpts{KeepPerWorkspace: keep, DryRun: dryRun})
			if err != nil {
				return err
			}
			verb := "pruned"
			if dryRun {
				verb = "would prune"
			}
			fmt.Printf("scanned %d recovery ref(s), %s %d\n", result.ScannedRefs, verb, len(result.Pruned))
			for _, name := range result.Pruned {
				fmt.Printf("  %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	cmd.Flags().IntVar(&keep, "keep", recovery.DefaultKeepPerWorkspace, "recovery snapshots to always keep per workspace")
	return cmd
}
