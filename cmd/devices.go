package cmd

import (
	"fmt"
	"runtime"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fr3lab/trialcapture/internal/camera"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available video capture devices",
	Long:  `List the V4L2 capture devices that can be used as camera.device with the v4l2 format.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runtime.GOOS != "linux" {
			return fmt.Errorf("device listing is only supported on linux, use ffmpeg -list_devices with your platform's input format")
		}

		devices, err := camera.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list video devices: %w", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleLight)
		t.SetTitle("Video devices (%d found)", len(devices))
		t.AppendHeader(table.Row{"#", "Device", "Name"})
		for i, d := range devices {
			t.AppendRow(table.Row{i + 1, d.Path, d.Name})
		}
		t.Render()

		if cfg != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfigured: format=%s device=%s\n", cfg.Camera.Format, cfg.Camera.Device)
		}
		return nil
	},
}
