package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/gitutil"
	"github.com/bobisme/manifold/internal/objstore"
)

func init() {
	register(func(root *cobra.Command) { root.AddCommand(newPushCmd()) })
}

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <remote>",
		Short: "Push the current branch ref to a git remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			refspec := objstore.BranchRef() + ":refs/heads/" + objstore.Branch
			if err := gitutil.Push(root, args[0], refspec); err != nil {
				return fmt.Errorf("push to %s: %w", args[0], err)
			}
			fmt.Printf("pushed %s to %s\n", objstore.Branch, args[0])
			return nil
		},
	}
	return cmd
}
