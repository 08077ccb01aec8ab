package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/onimenotsuki/keysely-n8n-infra/stack"
)

func (a *app) deployCmd() *cobra.Command {
	var handlerPath string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create or update the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.deployer(ctx)
			if err != nil {
				return err
			}
			cfg, err := d.Preflight(ctx)
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

			params := map[string]string{}
			if _, ok := tpl.Parameters[stack.AssetKeyParam]; ok {
				asset, err := d.PublishHandler(ctx, handlerPath)
				if err != nil {
					return fmt.Errorf("publish key handler: %w", err)
				}
				params[stack.AssetBucketParam] = asset.Bucket
				params[stack.AssetKeyParam] = asset.Key
			}

			res, err := d.Deploy(ctx, tpl, params)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stack %s: %s\n", cfg.StackName, res.Action)
			printOutputs(out, res.Outputs)
			return nil
		},
	}
	cmd.Flags().StringVar(&handlerPath, "handler", "bin/keyhandler/bootstrap", "compiled key handler binary for the provided.al2023 runtime")
	return cmd
}

func (a *app) destroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(cmd.Context())
			if err != nil {
				return err
			}
			if err := d.Destroy(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stack %s deleted\n", d.Config.StackName)
			return nil
		},
	}
}

func printOutputs(w io.Writer, outputs map[string]string) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, outputs[k])
	}
}
