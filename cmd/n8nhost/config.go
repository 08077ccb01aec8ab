package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/onimenotsuki/keysely-n8n-infra/config"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(a.configInitCmd())
	return cmd
}

// configInitCmd writes the effective configuration (defaults, environment
// and flags) so later runs do not depend on the shell they start from.
func (a *app) configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to " + config.DefaultFile,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configPath
			if path == "" {
				path = config.DefaultFile
			}

			src := ""
			_, err := os.Stat(path)
			switch {
			case err == nil && !force:
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			case err == nil:
				src = path
			case !errors.Is(err, fs.ErrNotExist):
				return err
			}

			cfg, err := config.Load(src)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg = cfg.Merge(a.overrides)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			a.logger.Info().Str("path", path).Str("stack", cfg.StackName).Msg("configuration written")
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
