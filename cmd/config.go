package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/fr3lab/trialcapture/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage TrialCapture configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show which settings come from the selected profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleLight)
		t.SetTitle("profile %s", cfg.Profile)
		t.AppendHeader(table.Row{"Setting", "Origin"})
		if cfg.Inheritance != nil {
			for _, field := range slices.Sorted(maps.Keys(cfg.Inheritance.Fields)) {
				t.AppendRow(table.Row{field, getInheritanceIndicator(cfg.Inheritance.Fields[field])})
			}
		}
		t.Render()
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use PROFILE",
	Short: "Set the active profile in the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return fmt.Errorf("no config file found, pass --config")
		}
		if _, err := config.LoadWithProfile(cfgFile, args[0]); err != nil {
			return err
		}
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return fmt.Errorf("failed to update %s: %w", cfgFile, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active profile set to %s in %s\n", args[0], cfgFile)
		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInfoCmd)
	configCmd.AddCommand(configUseCmd)
}
