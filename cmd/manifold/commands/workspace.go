package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/oplog"
	"github.com/bobisme/manifold/internal/recovery"
	"github.com/bobisme/manifold/internal/ui"
	"github.com/bobisme/manifold/internal/workspace"
)

func init() {
	register(func(root *cobra.Command) { root.AddCommand(newWsCmd()) })
}

func newWsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ws", Short: "Manage named workspaces"}
	cmd.AddCommand(newWsCreateCmd())
	cmd.AddCommand(newWsDestroyCmd())
	cmd.AddCommand(newWsListCmd())
	cmd.AddCommand(newWsStatusCmd())
	cmd.AddCommand(newWsSyncCmd())
	cmd.AddCommand(newWsExecCmd())
	cmd.AddCommand(newWsMergeCmd())
	cmd.AddCommand(newWsRecoverCmd())
	cmd.AddCommand(newWsDescribeCmd())
	cmd.AddCommand(newWsAnnotateCmd())
	return cmd
}

func newWsCreateCmd() *cobra.Command {
	var persistent bool
	var fromEpoch string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Materialise a new workspace from the current (or a given) epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			store := openStore(root)
			epoch := fromEpoch
			if epoch == "" {
				epoch, err = store.ReadRef(objstore.EpochRef)
				if err != nil {
					return fmt.Errorf("read current epoch: %w", err)
				}
			}
			ws, err := workspace.Create(root, args[0], epoch, persistent)
			if err != nil {
				return err
			}
			defer ws.Close()
			recordOp(store, ws.Name(), epoch, oplog.Create, map[string]any{"persistent": persistent})
			fmt.Printf("created workspace %q at %s\n", ws.Name(), ws.Root())
			return nil
		},
	}
	cmd.Flags().BoolVar(&persistent, "persistent", false, "survive destroy-after-merge")
	cmd.Flags().StringVar(&fromEpoch, "from", "", "epoch to materialise from (default: current epoch)")
	return cmd
}

func newWsDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <name>",
		Short: "Capture a recovery snapshot, then destroy a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			ws, err := workspace.Open(root, args[0])
			if err != nil {
				return err
			}
			defer ws.Close()

			art, err := recovery.Capture(ws, "destroy", time.Now())
			if err != nil {
				return fmt.Errorf("capture before destroy: %w", err)
			}
			epoch := ws.BaseEpoch()
			store := ws.Store()
			ws.Close()

			recordOp(store, args[0], epoch, oplog.Destroy, map[string]any{"recovery_ref": art.RefName})
			if err := workspace.Destroy(store, root, args[0], art.RefName); err != nil {
				return err
			}
			fmt.Printf("destroyed workspace %q (recovery ref %s)\n", args[0], art.RefName)
			return nil
		},
	}
	return cmd
}

func newWsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every named workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			metas, err := workspace.List(root)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(metas)
			}
			for _, m := range metas {
				tag := ""
				if m.Persistent {
					tag = ui.Dim(" (persistent)")
				}
				fmt.Printf("%-20s  base=%s%s\n", m.Name, shortSHA(m.BaseEpoch), tag)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}

func newWsStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Report a workspace's clean/dirty/stale status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			ws, err := workspace.Open(root, args[0])
			if err != nil {
				return err
			}
			defer ws.Close()
			epoch, err := ws.Store().ReadRef(objstore.EpochRef)
			if err != nil {
				return err
			}
			st, err := workspace.GetStatus(ws, epoch)
			if err != nil {
				return err
			}
			fmt.Printf("workspace %q: %s\n", ws.Name(), ui.StatusLabel(st.Clean, st.StaleVsEpoch))
			for _, p := range st.ChangedPaths {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}
	return cmd
}

func newWsSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <name>",
		Short: "Advance a clean workspace's base epoch to the current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			ws, err := workspace.Open(root, args[0])
			if err != nil {
				return err
			}
			defer ws.Close()
			epoch, err := ws.Store().ReadRef(objstore.EpochRef)
			if err != nil {
				return err
			}
			if err := workspace.Sync(ws, epoch); err != nil {
				return err
			}
			fmt.Printf("synced workspace %q to epoch %s\n", ws.Name(), shortSHA(epoch))
			return nil
		},
	}
	return cmd
}

func newWsExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "exec <name> -- <command> [args...]",
		Short:              "Run a command with its working directory set to a workspace's checkout",
		Args:               cobra.MinimumNArgs(2),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			name := args[0]
			argv := args[1:]
			if len(argv) > 0 && argv[0] == "--" {
				argv = argv[1:]
			}
			ws, err := workspace.Open(root, name)
			if err != nil {
				return err
			}
			defer ws.Close()
			return workspace.Exec(ws, argv, os.Stdout, os.Stderr)
		},
	}
	return cmd
}

func shortSHA(sha string) string {
	if len(sha) <= 10 {
		return sha
	}
	return sha[:10]
}
