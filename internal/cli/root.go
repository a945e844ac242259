// Package cli implements the lockctl operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ModeShape/modeshape-sub003/internal/repo"
	"github.com/ModeShape/modeshape-sub003/pkg/color"
	"github.com/ModeShape/modeshape-sub003/pkg/config"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/logging"
)

type app struct {
	jsonOutput bool
	noColor    bool
	configPath string
}

// NewRootCmd builds the lockctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "lockctl",
		Short: "lockctl - inspect and maintain repository node locks",
		Long: `lockctl operates on the lock ledger of a content repository. It lists
and releases locks, runs the cleanup sweep on demand, verifies the audit
trail and runs the sweep scheduler as a long-lived process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(a.noColor)
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVar(&a.jsonOutput, "json", false, "output in JSON format")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default: nearest "+repo.ConfigFileName+")")

	root.AddCommand(
		a.initCmd(),
		a.locksCmd(),
		a.sweepCmd(),
		a.auditCmd(),
		a.doctorCmd(),
		a.configCmd(),
		a.serveCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.Error(err.Error()))
		os.Exit(1)
	}
}

// resolveConfigPath returns --config, else the nearest lockd.yaml above the
// working directory, else lockd.yaml in the working directory.
func (a *app) resolveConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	if p, err := repo.FindConfig("."); err == nil {
		return p
	}
	return repo.ConfigFileName
}

func (a *app) loadConfig() (*config.Config, string, error) {
	path := a.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// openRepo opens the configured repository for a one-shot command. Only a
// persistent store has a ledger worth inspecting from another process.
func (a *app) openRepo(ctx context.Context) (*repo.Repository, error) {
	cfg, path, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver != repo.DriverSQLite {
		return nil, errclass.ErrConfigInvalid.WithMessagef(
			"%s: store.driver %q keeps no shared ledger; use %q", path, cfg.Store.Driver, repo.DriverSQLite)
	}
	resolvePaths(cfg, path)
	logger := logging.NewTextLogger(logging.LevelWarn)
	return repo.Open(ctx, cfg, repo.WithLogger(logger))
}

func (a *app) outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolvePaths anchors relative store and audit paths at the directory of
// the config file that named them.
func resolvePaths(cfg *config.Config, configPath string) {
	dir := filepath.Dir(configPath)
	if cfg.Store.Path != "" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(dir, cfg.Store.Path)
	}
	if cfg.Audit.Path != "" && !filepath.IsAbs(cfg.Audit.Path) {
		cfg.Audit.Path = filepath.Join(dir, cfg.Audit.Path)
	}
}
