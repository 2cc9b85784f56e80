package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fr3lab/trialcapture/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "trialcapture",
	Short: "Batch pick-and-place trial runner",
	Long: `TrialCapture drives a robot arm through a batch of pick-and-place
trials and records, for every trial, the robot telemetry as CSV and a
video of the scene, both aligned to a common start time.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		// inspect and devices work without a configuration
		if (cmd.Name() == "inspect" || cmd.Name() == "devices") && cfgFile == "" {
			return nil
		}

		// The default file is optional, the built-in profiles apply without it
		if cfgFile == "" {
			path := os.ExpandEnv("$HOME/.config/trialcapture.yaml")
			if _, err := os.Stat(path); err == nil {
				cfgFile = path
			}
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/trialcapture.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}
