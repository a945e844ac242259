package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ModeShape/modeshape-sub003/internal/audit"
	"github.com/ModeShape/modeshape-sub003/pkg/color"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
)

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with the lock audit trail",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [path]",
		Short: "Verify the hash chain of the audit trail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, cfgPath, err := a.loadConfig()
				if err != nil {
					return err
				}
				resolvePaths(cfg, cfgPath)
				path = cfg.Audit.Path
			}
			if path == "" {
				return errclass.ErrConfigInvalid.WithMessage("audit.path is not set")
			}

			n, err := audit.Verify(path)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), map[string]any{"path": path, "records": n, "valid": true})
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.Successf("%s: %d records, chain intact", path, n))
			return nil
		},
	})
	return cmd
}
