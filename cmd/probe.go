package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fr3lab/trialcapture/internal/camera"
	"github.com/fr3lab/trialcapture/internal/service"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect to the robot and show its current state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile, ffmpegLogWriter(), service.WithCamera(camera.Disabled{}))
		if err := svc.Connect(cmd.Context()); err != nil {
			return err
		}
		defer closeService(svc)

		snap, err := svc.Probe(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read robot state: %w", err)
		}

		preemption := "unknown"
		if snap.PreemptionKnown {
			preemption = fmt.Sprint(snap.Preemption)
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleLight)
		t.SetTitle("%s robot (%s)", cfg.Robot.Backend, cfg.Profile)
		t.AppendHeader(table.Row{"Field", "Value"})
		t.AppendRow(table.Row{"mode", snap.Mode})
		t.AppendRow(table.Row{"motion queue", preemption})
		t.AppendSeparator()
		for i, j := range snap.Joints {
			t.AppendRow(table.Row{fmt.Sprintf("j%d (deg)", i+1), fmt.Sprintf("%.3f", j)})
		}
		t.AppendSeparator()
		for i, name := range []string{"x (mm)", "y (mm)", "z (mm)", "rx (deg)", "ry (deg)", "rz (deg)"} {
			t.AppendRow(table.Row{name, fmt.Sprintf("%.3f", snap.TCP[i])})
		}
		t.AppendSeparator()
		t.AppendRow(table.Row{"gripper (%)", fmt.Sprintf("%.1f", snap.Gripper)})
		t.AppendRow(table.Row{"age", time.Since(snap.Time).Round(time.Millisecond)})
		t.Render()
		return nil
	},
}
