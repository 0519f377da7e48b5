// Command buildd-server runs the task/worker coordination server.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildd-ai/buildd-sub004/internal/app/scheduler"
	"github.com/buildd-ai/buildd-sub004/internal/config"
	"github.com/buildd-ai/buildd-sub004/internal/delivery/server/bootstrap"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BUILDD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "buildd-server",
		Short:         "Task and worker coordination server",
		Long:          "buildd-server coordinates tasks, workers, and runners: atomic claims with concurrency admission, the worker lifecycle, recurring schedules, and the runner fleet registry.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to the server config file (default ~/.buildd/server.yaml)")
	flags.String("listen", "", "Listen address (default "+config.DefaultListenAddr+")")
	flags.String("db", "", "PostgreSQL connection URL")
	flags.String("environment", "", "Deployment environment (development, production)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	for _, name := range []string{"config", "listen", "db", "environment", "log-level", "metrics"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(newServeCommand(v))
	rootCmd.AddCommand(newSchemaCommand(v))
	rootCmd.AddCommand(newValidateCronCommand())
	rootCmd.AddCommand(newAccountCommand(v))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}
}

func runServe(v *viper.Viper) error {
	return bootstrap.RunServer(bootstrap.Options{
		ConfigPath: v.GetString("config"),
		Overrides:  overridesFromFlags(v),
	})
}

// overridesFromFlags maps set flags onto config overrides; unset flags
// leave the file and environment values in charge.
func overridesFromFlags(v *viper.Viper) config.Overrides {
	var o config.Overrides
	if s := v.GetString("listen"); s != "" {
		o.ListenAddr = &s
	}
	if s := v.GetString("db"); s != "" {
		o.DatabaseURL = &s
	}
	if s := v.GetString("environment"); s != "" {
		o.Environment = &s
	}
	if s := v.GetString("log-level"); s != "" {
		o.LogLevel = &s
	}
	if v.IsSet("metrics") {
		enabled := v.GetBool("metrics")
		o.MetricsEnabled = &enabled
	}
	return o
}

func newSchemaCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Apply the idempotent database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := bootstrap.EnsureSchema(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Println("Schema up to date.")
			return nil
		},
	}
}

func newValidateCronCommand() *cobra.Command {
	var timezone string
	cmd := &cobra.Command{
		Use:   "validate-cron <expression>",
		Short: "Validate a cron expression and preview its next fires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := scheduler.NewService(nil, logging.Nop())
			result := svc.ValidateCron(args[0], timezone)
			if !result.Valid {
				return fmt.Errorf("invalid cron expression: %s", result.Error)
			}
			fmt.Printf("Valid: %s\n", result.Description)
			for _, run := range result.NextRuns {
				fmt.Printf("  next: %s\n", run)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for evaluation (default UTC)")
	return cmd
}

func newAccountCommand(v *viper.Viper) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	var (
		name       string
		maxWorkers int
		admin      bool
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account and print its API key once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			id, key, err := bootstrap.CreateAccount(ctx, cfg.DatabaseURL, name, maxWorkers, admin)
			if err != nil {
				return err
			}
			fmt.Printf("Account %s created.\n", id)
			fmt.Printf("API key (shown once, store it now): %s\n", key)
			return nil
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "Account name (required)")
	createCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Concurrent worker limit (default 3)")
	createCmd.Flags().BoolVar(&admin, "admin", false, "Grant platform admin")
	createCmd.MarkFlagRequired("name")

	accountCmd.AddCommand(createCmd)
	return accountCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("buildd-server", Version)
		},
	}
}

func loadConfig(v *viper.Viper) (config.ServerConfig, config.Metadata, error) {
	opts := []config.Option{config.WithOverrides(overridesFromFlags(v))}
	if path := v.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	return config.Load(opts...)
}
