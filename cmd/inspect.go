package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fr3lab/trialcapture/internal/telemetry"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE_Robot.csv...",
	Short: "Summarize recorded telemetry files",
	Long:  `Read one or more telemetry CSV files and report their sampling statistics.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"File", "Size", "Samples", "Duration (s)", "Rate (Hz)", "Mean (ms)", "Std (ms)", "P95 (ms)", "Max (ms)", "Z travel (mm)", "Gripper"})

		var failed int
		for _, path := range args {
			size, sum, err := inspectFile(path)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				failed++
				continue
			}
			t.AppendRow(table.Row{
				filepath.Base(path),
				units.HumanSize(float64(size)),
				sum.Samples,
				fmt.Sprintf("%.3f", sum.Duration),
				fmt.Sprintf("%.1f", sum.Rate),
				fmt.Sprintf("%.2f", sum.MeanPeriod*1000),
				fmt.Sprintf("%.2f", sum.StdPeriod*1000),
				fmt.Sprintf("%.2f", sum.P95Period*1000),
				fmt.Sprintf("%.2f", sum.MaxPeriod*1000),
				fmt.Sprintf("%.1f", sum.TravelZ),
				fmt.Sprintf("%.0f-%.0f", sum.GripperMin, sum.GripperMax),
			})
		}
		t.Render()

		if failed > 0 {
			return fmt.Errorf("%d of %d files could not be read", failed, len(args))
		}
		return nil
	},
}

func inspectFile(path string) (int64, telemetry.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, telemetry.Summary{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, telemetry.Summary{}, err
	}
	rows, err := telemetry.ReadCSV(f)
	if err != nil {
		return 0, telemetry.Summary{}, err
	}
	sum, err := telemetry.Summarize(rows)
	return info.Size(), sum, err
}
