package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apeirography/comfy-bootstrap/internal/config"
	"github.com/apeirography/comfy-bootstrap/internal/logger"
	"github.com/apeirography/comfy-bootstrap/internal/service/provisioner"
	"github.com/apeirography/comfy-bootstrap/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel is the minimum level for log output.
	logLevel string
	// apiKey overrides the configured provisioning API key.
	apiKey string
	// workloadType overrides the configured workload type.
	workloadType string
	// workloadHours overrides the configured workload lifetime.
	workloadHours float64
	// forceInit overwrites an existing configuration file.
	forceInit bool

	// rootCmd represents the base command for running a provisioning cycle.
	rootCmd = &cobra.Command{
		Use:   "comfy-bootstrap",
		Short: "Launch a GPU workload and provision it with nodes and models",
		Long: `Launches a ComfyUI workload on Comput3, installs the configured
whitelisted nodes and models through fuzzy catalog matching, installs custom
nodes from GitHub, restarts the application, and finishes with direct-URL
model installs.

Per-item install failures are collected into an end-of-run summary; only a
failed launch, baseline plugin install or restart cycle aborts the run.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level: %q", logLevel)
			}

			logger.SetLevel(level)

			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &provisioner.Options{
				ConfigPath:    configPath,
				APIKey:        apiKey,
				WorkloadType:  workloadType,
				WorkloadHours: workloadHours,
			}

			return provisioner.Run(ctx, options)
		},
	}

	// initCmd writes a starter configuration file to edit by hand.
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !forceInit {
				return fmt.Errorf("%s already exists, use --force to overwrite", configPath)
			}

			if err := config.Save(configPath, config.Starter()); err != nil {
				return err
			}

			fmt.Printf("Wrote %s\n", configPath)

			return nil
		},
	}
)

// Execute runs the comfy-bootstrap CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level: debug, info, warn, error")

	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "provisioning API key (overrides config and environment)")
	rootCmd.Flags().StringVar(&workloadType, "workload-type", "", "workload type to launch (overrides config)")
	rootCmd.Flags().Float64Var(&workloadHours, "hours", 0, "workload lifetime in hours (overrides config)")

	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing configuration file")
}
