package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onimenotsuki/keysely-n8n-infra/bootstrap"
	"github.com/onimenotsuki/keysely-n8n-infra/stack"
)

func (a *app) synthCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Print the CloudFormation template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			tpl, err := stack.Synthesize(cfg)
			if err != nil {
				return err
			}
			if err := tpl.Validate(); err != nil {
				return fmt.Errorf("template failed validation: %w", err)
			}

			var out []byte
			switch format {
			case "json":
				out, err = tpl.JSON()
			case "yaml":
				out, err = tpl.YAML()
			default:
				return fmt.Errorf("unknown format %q (expected json or yaml)", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(out, '\n'))
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func (a *app) userdataCmd() *cobra.Command {
	var part string
	cmd := &cobra.Command{
		Use:   "userdata",
		Short: "Print the instance bootstrap script or one of the files it writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			opts := stack.BootstrapOptions(cfg)

			var out string
			switch part {
			case "script":
				out, err = bootstrap.Render(opts)
			case "compose":
				var b []byte
				b, err = bootstrap.Compose(opts).YAML()
				out = string(b)
			case "caddyfile":
				out = bootstrap.Caddyfile(opts)
			case "unit":
				out = bootstrap.Unit(opts)
			default:
				return fmt.Errorf("unknown part %q (expected script, compose, caddyfile or unit)", part)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&part, "part", "script", "what to print: script, compose, caddyfile or unit")
	return cmd
}
