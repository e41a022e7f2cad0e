package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/oplog"
	"github.com/bobisme/manifold/internal/workspace"
)

// newWsDescribeCmd records a free-text description against a workspace's
// operation log. Unlike ws status, which reports live checkout state,
// describe is purely an annotation left for whoever reads the log later.
func newWsDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <name> <text>",
		Short: "Record a description in a workspace's operation log",
		Args:  cobra.ExactArgs(2),
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
			recordOp(ws.Store(), ws.Name(), ws.BaseEpoch(), oplog.Describe, map[string]any{"text": args[1]})
			fmt.Printf("recorded description for workspace %q\n", ws.Name())
			return nil
		},
	}
	return cmd
}

// newWsAnnotateCmd records a key=value annotation in a workspace's
// operation log, for tagging a workspace with structured metadata (e.g.
// an issue number or agent identity) without touching its checkout.
func newWsAnnotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotate <name> <key>=<value>",
		Short: "Record a key=value annotation in a workspace's operation log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			key, value, ok := splitKV(args[1])
			if !ok {
				return fmt.Errorf("annotation %q must be in key=value form", args[1])
			}
			ws, err := workspace.Open(root, args[0])
			if err != nil {
				return err
			}
			defer ws.Close()
			recordOp(ws.Store(), ws.Name(), ws.BaseEpoch(), oplog.Annotate, map[string]any{"key": key, "value": value})
			fmt.Printf("recorded annotation %s=%s for workspace %q\n", key, value, ws.Name())
			return nil
		},
	}
	return cmd
}

func splitKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
