// Command n8nhost synthesizes, deploys and inspects a single-instance n8n
// host on AWS.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onimenotsuki/keysely-n8n-infra/config"
	"github.com/onimenotsuki/keysely-n8n-infra/deploy"
	"github.com/onimenotsuki/keysely-n8n-infra/verify"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a process exit code without printing anything further.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type app struct {
	configPath string
	logLevel   string
	logger     zerolog.Logger

	// overrides holds per-field flags; they win over the file and the
	// environment.
	overrides config.Config

	newChecker func(domain string, logger zerolog.Logger) *verify.Checker
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{newChecker: verify.New}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "n8nhost",
		Short:         "Provision and inspect a self-hosted n8n instance on EC2",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setupLogger()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (default "+config.DefaultFile+" when present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	flags := root.PersistentFlags()
	flags.StringVar(&a.overrides.DomainName, "domain", "", "public hostname n8n is served on (overrides DOMAIN_NAME)")
	flags.StringVar(&a.overrides.InstanceType, "instance-type", "", "EC2 instance type (overrides INSTANCE_TYPE)")
	flags.StringVar(&a.overrides.SSHCIDR, "ssh-cidr", "", "CIDR allowed to reach SSH (overrides SSH_ALLOWED_CIDR)")
	flags.StringVar(&a.overrides.StackName, "stack-name", "", "CloudFormation stack name (overrides N8N_STACK_NAME)")
	flags.StringVar(&a.overrides.Region, "region", "", "AWS region (overrides AWS_REGION)")

	root.AddCommand(
		a.synthCmd(),
		a.userdataCmd(),
		a.deployCmd(),
		a.destroyCmd(),
		a.statusCmd(),
		a.logsCmd(),
		a.sshKeyCmd(),
		a.verifyCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

func (a *app) setupLogger() error {
	level, err := zerolog.ParseLevel(a.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", a.logLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Str("component", "n8nhost").
		Logger()
	return nil
}

// loadConfig reads the configuration file, applies the environment and the
// per-field flags, and logs any warnings.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := a.effectiveConfig()
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range cfg.Warnings() {
		a.logger.Warn().Msg(w)
	}
	return cfg, nil
}

// effectiveConfig layers defaults, the file, the environment and the flags
// without validating the result.
func (a *app) effectiveConfig() (config.Config, error) {
	cfg, err := config.Load(a.configFile())
	if err != nil {
		return cfg, fmt.Errorf("load configuration: %w", err)
	}
	return cfg.Merge(a.overrides), nil
}

func (a *app) configFile() string {
	if a.configPath != "" {
		return a.configPath
	}
	if _, err := os.Stat(config.DefaultFile); err == nil {
		return config.DefaultFile
	}
	return ""
}

// deployer loads the configuration and connects to AWS.
func (a *app) deployer(ctx context.Context) (*deploy.Deployer, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	clients, err := deploy.NewAWSClients(ctx, cfg.Region, cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	return deploy.NewDeployer(cfg, clients, a.logger), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "n8nhost %s\n", version)
		},
	}
}
