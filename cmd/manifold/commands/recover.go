package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/recovery"
)

func newWsRecoverCmd() *cobra.Command {
	var search, show, ref, toPath string
	var maxHits int

	cmd := &cobra.Command{
		Use:   "recover [workspace]",
		Short: "Inspect or restore from recovery snapshots",
		Long: `With --search, scans every recovery snapshot (optionally narrowed to one
workspace or one ref) for a plain-text pattern and prints JSON hits with
provenance. With --show, prints a single path's content as it exists in a
chosen snapshot. With no flags, lists the recovery refs for the given
workspace (or every workspace, if none is given), newest first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			store := openStore(root)

			wsFilter := ""
			if len(args) == 1 {
				wsFilter = args[0]
			}

			switch {
			case search != "":
				result, err := recovery.Search(store, search, wsFilter, ref, maxHits)
				if err != nil {
					return err
				}
				return printJSON(result)
			case show != "":
				target := ref
				if target == "" {
					return fmt.Errorf("--show requires --ref to name a recovery ref")
				}
				content, err := store.ShowFile(target, show)
				if err != nil {
					return fmt.Errorf("show %s at %s: %w", show, target, err)
				}
				fmt.Print(string(content))
				return nil
			case toPath != "":
				target := ref
				if target == "" {
					return fmt.Errorf("--to requires --ref to name a recovery ref")
				}
				tree, err := store.TreeAt(target)
				if err != nil {
					return fmt.Errorf("resolve recovery ref %s: %w", target, err)
				}
				if err := store.Materialise(tree, toPath); err != nil {
					return fmt.Errorf("materialise %s into %s: %w", target, toPath, err)
				}
				fmt.Printf("restored %s into %s\n", target, toPath)
				return nil
			default:
				return listRecoveryRefs(store, wsFilter)
			}
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "substring pattern to search for across recovery snapshots")
	cmd.Flags().StringVar(&show, "show", "", "print one path's content from the snapshot named by --ref")
	cmd.Flags().StringVar(&ref, "ref", "", "a specific recovery ref, for --show/--to")
	cmd.Flags().StringVar(&toPath, "to", "", "materialise the snapshot named by --ref into this directory")
	cmd.Flags().IntVar(&maxHits, "max-hits", 200, "truncate --search results at this many hits")
	return cmd
}

func listRecoveryRefs(store *objstore.Store, wsFilter string) error {
	refs, err := store.ListRefs(objstore.RecoveryRefPrefix)
	if err != nil {
		return err
	}
	for i := len(refs) - 1; i >= 0; i-- {
		r := refs[i]
		if wsFilter != "" {
			prefix := objstore.RecoveryRefPrefix + wsFilter + "/"
			if len(r.Name) < len(prefix) || r.Name[:len(prefix)] != prefix {
				continue
			}
		}
		fmt.Printf("%s  %s\n", shortSHA(r.OID), r.Name)
	}
	return nil
}
