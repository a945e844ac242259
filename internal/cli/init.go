package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ModeShape/modeshape-sub003/internal/repo"
	"github.com/ModeShape/modeshape-sub003/pkg/color"
	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
)

const dataDirName = ".lockd"

func (a *app) initCmd() *cobra.Command {
	var (
		name   string
		driver string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default " + repo.ConfigFileName,
		Long: `Write a default configuration into dir (the working directory when
omitted). With the sqlite driver the store and audit trail live under
.lockd/ next to the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := pathutil.ValidateName(name); err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			path := filepath.Join(dir, repo.ConfigFileName)

			cfg := config.Default()
			cfg.Repository = name
			cfg.Store.Driver = driver
			if driver == repo.DriverSQLite {
				cfg.Store.Path = filepath.Join(dataDirName, "store.db")
				cfg.Audit.Path = filepath.Join(dataDirName, "audit.jsonl")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			write := config.Create
			if force {
				write = config.Save
			}
			if err := write(path, cfg); err != nil {
				if errors.Is(err, os.ErrExist) {
					return errclass.ErrConfigInvalid.WithMessagef("%s already exists (use --force to overwrite)", path)
				}
				return err
			}

			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), map[string]any{
					"config_path": path,
					"repository":  cfg.Repository,
					"driver":      cfg.Store.Driver,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.Successf("Initialized lock configuration in %s", path))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "default", "repository name")
	cmd.Flags().StringVar(&driver, "driver", repo.DriverSQLite, "store driver (memory, sqlite)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
