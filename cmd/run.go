package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fr3lab/trialcapture/internal/service"
	"github.com/fr3lab/trialcapture/internal/trial"
)

const closeTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of trials",
	Long: `Connect to the robot and the camera, initialize the gripper, then run one
trial per configured start pose. Every trial writes <prefix>_Robot.csv and
<prefix>_Video.<ext> into the output directory. Ctrl-C saves the trial in
progress and stops the batch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		trials, _ := cmd.Flags().GetInt("trials")
		if trials < 0 {
			return fmt.Errorf("--trials must be >= 0, got %d", trials)
		}
		if cmd.Flags().Changed("output") {
			cfg.Output.Directory, _ = cmd.Flags().GetString("output")
		}
		if cmd.Flags().Changed("countdown") {
			cfg.Batch.Countdown, _ = cmd.Flags().GetDuration("countdown")
		}
		if err := os.MkdirAll(cfg.Output.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc := service.New(cfg, cfgFile, ffmpegLogWriter())
		if err := svc.Connect(ctx); err != nil {
			return err
		}
		defer closeService(svc)

		if err := svc.InitializeGripper(ctx); err != nil {
			return fmt.Errorf("gripper initialization failed: %w", err)
		}

		report, err := svc.RunBatch(ctx, trials)
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
		if errors.Is(err, trial.ErrCanceled) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Batch interrupted after %d of %d trials\n", len(report.Results), report.Planned)
		}
		return err
	},
}

func init() {
	runCmd.Flags().IntP("trials", "n", 0, "number of trials, taken from the first start poses (0 runs all)")
	runCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	runCmd.Flags().Duration("countdown", 0, "delay before recording starts (overrides config)")
}

func ffmpegLogWriter() io.Writer {
	if verboseLevel >= 2 {
		return os.Stderr
	}
	return io.Discard
}

func closeService(svc service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		slog.Warn("Failed to close connections", "error", err)
	}
}

func printReport(w io.Writer, report *trial.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Trial", "Pose", "Samples", "Telemetry", "Video", "Size", "Status"})

	for _, res := range report.Results {
		size := "-"
		if res.VideoPath != "" {
			if info, err := os.Stat(res.VideoPath); err == nil {
				size = units.HumanSize(float64(info.Size()))
			}
		}
		t.AppendRow(table.Row{
			res.ID,
			res.Pose,
			res.Samples,
			baseOrDash(res.CSVPath),
			baseOrDash(res.VideoPath),
			size,
			status(res),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "completed", fmt.Sprintf("%d/%d", report.Completed(), report.Planned)})
	t.Render()

	for _, res := range report.Results {
		for _, d := range res.Degraded {
			fmt.Fprintf(w, "trial %d: %s\n", res.ID, d)
		}
	}
}

func status(res trial.Result) string {
	switch {
	case res.Aborted:
		return "aborted"
	case len(res.Degraded) > 0:
		return "degraded"
	default:
		return "ok"
	}
}

func baseOrDash(path string) string {
	if path == "" {
		return "-"
	}
	return filepath.Base(path)
}
