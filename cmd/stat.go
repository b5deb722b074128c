package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gkatanacio/hyperdl/download"
)

var statCmd = &cobra.Command{
	Use:   "stat [object id]",
	Short: "Show the size of an object and how it would be split into parts.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		obj := download.ObjectRef{ID: args[0]}
		size, err := resolveSize(cmd.Context(), a.pool, obj)
		if err != nil {
			return err
		}

		plan, err := download.PlanParts(size, a.cfg.NumParts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Object: %s\nSize: %s (%d bytes)\nSessions: %d\nParts: %d\n",
			obj.ID, humanize.IBytes(uint64(size)), size, a.pool.Len(), len(plan))
		for i, r := range plan {
			fmt.Fprintf(out, "  part %d: %s %s\n", i, r, humanize.IBytes(uint64(r.Len())))
		}
		return nil
	},
}
