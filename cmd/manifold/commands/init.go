package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/config"
	"github.com/bobisme/manifold/internal/gitutil"
	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/workspace"
)

func init() {
	register(func(root *cobra.Command) { root.AddCommand(newInitCmd()) })
}

func newInitCmd() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a manifold project in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			if projectID == "" {
				projectID = filepath.Base(root)
			}
			return initProject(root, projectID)
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project identifier (default: directory name)")
	return cmd
}

// initProject creates the .git store, the empty root epoch, the
// epoch/branch refs, and the default workspace, in that order: each step
// is independently idempotent-safe to re-run only insofar as config.Init
// refuses outright if .manifold already exists.
func initProject(root, projectID string) error {
	gitDir := root + "/.git"
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if err := gitutil.RunCommand(root, "init", "--quiet"); err != nil {
			return fmt.Errorf("initialise git store: %w", err)
		}
	}

	if err := config.Init(root, projectID); err != nil {
		return fmt.Errorf("initialise project config: %w", err)
	}

	store := openStore(root)
	emptyTree, err := store.BuildTree(nil)
	if err != nil {
		return fmt.Errorf("build empty root tree: %w", err)
	}
	author := config.ResolveAuthor(root)
	rootCommit, err := store.Commit(emptyTree, nil, objstore.Author(author), objstore.Author(author), "manifold init")
	if err != nil {
		return fmt.Errorf("create root epoch: %w", err)
	}
	if err := store.CasRef(objstore.EpochRef, "", rootCommit); err != nil {
		return fmt.Errorf("set epoch ref: %w", err)
	}
	if err := store.CasRef(objstore.BranchRef(), "", rootCommit); err != nil {
		return fmt.Errorf("set branch ref: %w", err)
	}

	if _, err := workspace.CreateDefault(root, rootCommit); err != nil {
		return fmt.Errorf("create default workspace: %w", err)
	}

	fmt.Printf("initialised manifold project %q at %s\n", projectID, root)
	return nil
}
