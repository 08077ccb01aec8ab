package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/onimenotsuki/keysely-n8n-infra/deploy"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stack and the resources it manages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(cmd.Context())
			if err != nil {
				return err
			}
			st, err := d.Status(cmd.Context())
			if deploy.IsNotFound(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "Stack %s: not deployed\n", d.Config.StackName)
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stack:    %s (%s)\n", st.StackName, st.StackStatus)
			if st.StatusReason != "" {
				fmt.Fprintf(out, "  Reason: %s\n", st.StatusReason)
			}
			if st.InstanceID != "" {
				fmt.Fprintf(out, "Instance: %s %s %s\n", st.InstanceID, st.InstanceType, st.InstanceState)
			}
			if st.PublicIP != "" {
				attached := "attached"
				if !st.EIPAttached {
					attached = "NOT attached"
				}
				fmt.Fprintf(out, "Address:  %s (%s)\n", st.PublicIP, attached)
			}
			if len(st.RolePolicies) > 0 {
				fmt.Fprintf(out, "Policies: %s\n", strings.Join(st.RolePolicies, ", "))
			}
			if st.HandlerName != "" {
				fmt.Fprintf(out, "Handler:  %s (%s)\n", st.HandlerName, st.HandlerState)
			}
			fmt.Fprintln(out, "Outputs:")
			printOutputs(out, st.Outputs)
			return nil
		},
	}
}

func (a *app) logsCmd() *cobra.Command {
	var (
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent key handler log events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(cmd.Context())
			if err != nil {
				return err
			}
			lines, err := d.HandlerLogs(cmd.Context(), since, limit)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", l.Time.UTC().Format(time.RFC3339), l.Stream, strings.TrimSpace(l.Message))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", time.Hour, "how far back to read")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to print (0 for no limit)")
	return cmd
}

func (a *app) sshKeyCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "ssh-key",
		Short: "Download the generated SSH private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.deployer(cmd.Context())
			if err != nil {
				return err
			}
			if !d.Config.KeyPairEnabled() {
				return fmt.Errorf("key pair creation is disabled for stack %s", d.Config.StackName)
			}
			key, err := d.FetchPrivateKey(cmd.Context())
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = d.Config.StackName + ".pem"
			}
			if err := os.WriteFile(outPath, key.PEM, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			// WriteFile keeps the mode of an existing file.
			if err := os.Chmod(outPath, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s %s)\n", outPath, key.Type, key.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "file to write (default <stack>.pem)")
	return cmd
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [domain]",
		Short: "Check the n8n host this command runs on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := ""
			if len(args) == 1 {
				domain = args[0]
			}
			c := a.newChecker(domain, a.logger)
			if err := c.ResolveDomain(); err != nil {
				a.logger.Warn().Err(err).Msg("domain unknown, DNS and HTTPS checks will fail")
			}
			report := c.Run(cmd.Context())
			if _, err := report.WriteTo(cmd.OutOrStdout()); err != nil {
				return err
			}
			if report.Failed() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}
