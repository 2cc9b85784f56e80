package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fr3lab/trialcapture/internal/config"
	"github.com/fr3lab/trialcapture/internal/server"
	"github.com/fr3lab/trialcapture/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote batch control",
	Long: `Start an HTTP server to start, watch and cancel batches from another
machine on the same network. Recorded files can be listed and downloaded.

Stopping the server cancels a running batch after saving its current trial.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		factory := func(c *config.Config, opts ...service.Option) service.Service {
			return service.New(c, cfgFile, ffmpegLogWriter(), opts...)
		}
		srv := server.New(cfg, cfgFile, net.JoinHostPort("", port), factory)
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
	rootCmd.AddCommand(serveCmd)
}
