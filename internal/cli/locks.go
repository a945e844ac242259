package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ModeShape/modeshape-sub003/internal/repo"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/color"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
	"github.com/ModeShape/modeshape-sub003/pkg/uuidutil"
)

// lockView is a ledger record with the locked node's current path.
type lockView struct {
	model.LockRecord
	Path string `json:"path"`
}

func (a *app) locksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and release node locks",
	}
	cmd.AddCommand(a.locksListCmd(), a.locksReleaseCmd())
	return cmd
}

func (a *app) locksListCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the locks recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.openRepo(ctx)
			if err != nil {
				return err
			}
			defer r.Close(ctx)

			views, err := listLocks(ctx, r, workspace)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), color.Dim("no locks"))
				return nil
			}

			now := r.Locks().Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, color.Header("LOCK ID\tWORKSPACE\tPATH\tOWNER\tSCOPE\tEXPIRES"))
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					color.LockID(v.LockID), color.Workspace(v.Workspace), v.Path, v.Owner,
					color.Scope(v.Deep, v.SessionScoped), expiry(v.LockRecord, now))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "only list locks in this workspace")
	return cmd
}

func expiry(rec model.LockRecord, now time.Time) string {
	if rec.IsExpired(now) {
		return color.Warning("expired")
	}
	return rec.ExpiresAt.Format(time.RFC3339)
}

func listLocks(ctx context.Context, r *repo.Repository, workspace string) ([]lockView, error) {
	records, err := r.Locks().Ledger(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]lockView, 0, len(records))
	for _, rec := range records {
		if workspace != "" && rec.Workspace != workspace {
			continue
		}
		path := "(removed)"
		node, res, err := r.Store().Node(ctx, rec.Workspace, rec.LockedNodeID)
		if err != nil {
			return nil, errclass.Transient(err, "read locked node")
		}
		if res == store.Found {
			path = node.Path
		}
		views = append(views, lockView{LockRecord: *rec, Path: path})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Workspace != views[j].Workspace {
			return views[i].Workspace < views[j].Workspace
		}
		return views[i].Path < views[j].Path
	})
	return views, nil
}

func (a *app) locksReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <lock-id>",
		Short: "Release a lock regardless of its owner",
		Long: `Release removes the ledger entry, lock markers and store enforcement of
the lock. Sessions holding its token find the lock gone on next use.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lockID := args[0]
			if !uuidutil.Valid(lockID) {
				return errclass.ErrInvalidLockToken.WithMessagef("%q is not a lock id", lockID)
			}

			r, err := a.openRepo(ctx)
			if err != nil {
				return err
			}
			defer r.Close(ctx)

			rec, err := r.ReleaseLock(ctx, lockID)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (owner %s, workspace %s)\n",
				color.Success("Released"), color.LockID(rec.LockID), rec.Owner, color.Workspace(rec.Workspace))
			return nil
		},
	}
}
