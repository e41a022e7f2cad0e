// Package commands wires the manifold CLI surface: ws create/destroy/list,
// ws merge, ws recover, push, gc, and init. Each command is registered from
// its own file's init(), mirroring the teacher's root.go registrar pattern.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = newRootCmd()

type registrar func(*cobra.Command)

var registrars []registrar

func register(r registrar) {
	registrars = append(registrars, r)
	if rootCmd != nil {
		r(rootCmd)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifold",
		Short: "Concurrent coding-agent workspaces over a shared git object store",
		Long: `manifold runs many coding-agent workspaces against one project concurrently,
each an independent on-disk checkout over a shared content-addressed
object/ref store. It provides:

  - Named workspaces with their own base epoch and dirty/clean/stale status
  - A crash-safe merge pipeline (prepare, build, validate, commit, cleanup)
  - A resolve kernel that folds non-overlapping changes and marks the rest
  - Preserve-replay: rewriting a workspace onto a new epoch without losing
    uncommitted staged, unstaged, or untracked work
  - Capture-before-destroy and searchable recovery snapshots`,
	}
}

// NewRootCmd returns a fresh root command with every registered
// subcommand attached; used by tests that want an isolated tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	for _, r := range registrars {
		r(cmd)
	}
	return cmd
}

// Execute runs the CLI against os.Args.
func Execute() error {
	return rootCmd.Execute()
}
