package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/statusnotify"
	"github.com/glimte/statusnotify/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "statusnotify",
		Short: "Publish workflow status notifications to RabbitMQ",
		Long: `statusnotify publishes a JSON message to a RabbitMQ exchange whenever a
workflow completes or is terminated.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML settings file (defaults apply when empty)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newValidateCommand(flags),
		newPublishCommand(flags),
		newServeCommand(flags),
	)
	return rootCmd
}

func (f *globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (f *globalFlags) settings() (config.Settings, error) {
	if f.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(f.configPath)
}

func (f *globalFlags) client(logger *slog.Logger, options ...statusnotify.ClientOption) (*statusnotify.Client, error) {
	s, err := f.settings()
	if err != nil {
		return nil, err
	}
	return statusnotify.New(s, append([]statusnotify.ClientOption{statusnotify.WithLogger(logger)}, options...)...)
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.settings()
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			endpoints, _ := s.Endpoints()
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: endpoints=%s exchange=%q\n", endpoints, s.Exchange)
			return nil
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
