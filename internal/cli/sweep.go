package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ModeShape/modeshape-sub003/pkg/color"
)

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one lock cleanup sweep",
		Long: `Sweep reconciles the ledger with the store: it extends locks of live
sessions, reaps expired locks of dead sessions and locks on removed nodes,
and clears store enforcement no ledger entry accounts for.

Sessions of other processes are not visible to lockctl, so session-scoped
locks whose expiry has passed are reaped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.openRepo(ctx)
			if err != nil {
				return err
			}
			defer r.Close(ctx)

			res, err := r.Sweep(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), res)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, color.Header("Sweep complete"))
			fmt.Fprintf(w, "  checked:  %d\n", res.Checked)
			fmt.Fprintf(w, "  extended: %d\n", res.Extended)
			fmt.Fprintf(w, "  reaped:   %d\n", res.Reaped)
			fmt.Fprintf(w, "  cleared:  %d\n", res.Cleared)
			if res.Failed > 0 {
				fmt.Fprintln(w, color.Warningf("  failed:   %d", res.Failed))
			}
			return nil
		},
	}
}
