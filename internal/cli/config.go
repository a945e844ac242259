package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ModeShape/modeshape-sub003/pkg/color"
	"github.com/ModeShape/modeshape-sub003/pkg/config"
)

const configKeys = `Available keys:
  repository              - Repository name
  store.driver            - Content store (memory, sqlite)
  store.path              - SQLite database file
  store.poll_interval     - How often the sqlite change log is tailed
  locks.sweep_interval    - Time between cleanup sweeps
  locks.extension_window  - How far a sweep extends live session locks
  locks.enforce_timeout   - Bound on store enforcement when locking
  locks.retry_attempts    - Retries of the sweep's ledger read
  logging.level           - debug, info, warn, error
  logging.format          - json, text
  audit.path              - Hash-chained audit trail file
  metrics.enabled         - Register Prometheus metrics (true, false)
  webhooks.max_retries    - Delivery retries per webhook event
  webhooks.retry_delay    - Initial delay between webhook retries
  webhooks.queue_size     - Webhook events buffered before dropping

Webhook endpoints are edited in the file under webhooks.hooks.`

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "config <command>",
		Short:                 "Manage lockd configuration",
		Long:                  "Manage the configuration stored in " + config.DefaultFileName + ".\n\n" + configKeys,
		DisableFlagsInUseLine: true,
	}
	cmd.AddCommand(a.configShowCmd(), a.configGetCmd(), a.configSetCmd())
	return cmd
}

func (a *app) configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := a.loadConfig()
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.Dim("# "+path))
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func (a *app) configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Long:  "Get a configuration value.\n\n" + configKeys,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.loadConfig()
			if err != nil {
				return err
			}
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), map[string]string{"key": args[0], "value": value})
			}
			if value == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (not set)\n", args[0])
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func (a *app) configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value. The whole configuration is validated before
it is written.

Examples:
  lockctl config set store.driver sqlite
  lockctl config set locks.sweep_interval 15s

` + configKeys,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := a.loadConfig()
			if err != nil {
				return err
			}
			key, value := args[0], args[1]
			if err := cfg.Set(key, value); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), map[string]string{"key": key, "value": value})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}
}
