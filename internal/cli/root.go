package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/presigncheck/internal/telemetry"
)

var version = "0.1.0"

// logger is built by the root command before any subcommand runs.
var logger = zap.NewNop()

// RootCmd represents the base command when called without any subcommands
var RootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "presigncheck",
		Short:   "Load-test presigned S3 upload links",
		Version: version,
		Long: `presigncheck validates time-bound presigned S3 links under load.

Each virtual user repeatedly requests a freshly signed PUT link, stages a
payload and uploads it before the link expires. Every outcome is logged
with enough context to diagnose expired links, signature mismatches and
slow transfers, and a summary is printed when the run ends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(cmd)
		},
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			cmd.Help()
		},
	}

	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides PRESIGNCHECK_LOG_LEVEL")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newTriggerCmd())
	cmd.AddCommand(newSignCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func setupLogger(cmd *cobra.Command) error {
	settings, err := telemetry.LoadSettings()
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		settings.LogLevel = level
	}

	l, err := telemetry.NewLogger(settings)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "presigncheck %s\n", version)
		},
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	defer func() { _ = logger.Sync() }()
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
