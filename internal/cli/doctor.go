package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ModeShape/modeshape-sub003/internal/doctor"
	"github.com/ModeShape/modeshape-sub003/pkg/color"
)

func (a *app) doctorCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check lock state for inconsistencies",
		Long: `Doctor compares the lock ledger with store enforcement, node lock markers
and the lock index, and reports what disagrees. It changes nothing; run
"lockctl sweep" to repair. --strict also verifies the audit trail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.openRepo(ctx)
			if err != nil {
				return err
			}
			defer r.Close(ctx)

			d := doctor.NewDoctor(r.Locks(), r.Store(), r.Config().Audit.Path)
			result, err := d.Check(ctx, strict)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if err := a.outputJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printDoctorResult(cmd, result)
			}
			if !result.Healthy {
				return fmt.Errorf("lock state is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "also verify the audit trail hash chain")
	return cmd
}

func printDoctorResult(cmd *cobra.Command, result *doctor.Result) {
	w := cmd.OutOrStdout()
	if len(result.Findings) == 0 {
		fmt.Fprintln(w, color.Successf("%d locks checked, no findings", result.Locks))
		return
	}
	fmt.Fprintf(w, "%d locks checked, %d findings\n", result.Locks, len(result.Findings))
	for _, f := range result.Findings {
		severity := f.Severity
		switch f.Severity {
		case doctor.SeverityError, doctor.SeverityCritical:
			severity = color.Error(severity)
		case doctor.SeverityWarning:
			severity = color.Warning(severity)
		default:
			severity = color.Dim(severity)
		}
		subject := f.Path
		if subject == "" {
			subject = f.NodeID
		}
		fmt.Fprintf(w, "  [%s] %s %s: %s\n", severity, f.Category, subject, f.Description)
	}
}
