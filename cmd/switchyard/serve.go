package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/allaspectsdev/switchyard/internal/daemon"
)

func (app *App) serveCmd() *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and its HTTP proxy",
		Long: `Run the gateway as a long-lived process serving the HTTP proxy on
server.listen_addr. Breaker state is persisted across restarts and the
config file is watched for changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			return daemon.Run(cfg, foreground)
		},
	}
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "also log to the terminal")
	return cmd
}

func (app *App) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			if err := daemon.Stop(cfg); err != nil {
				return fmt.Errorf("stopping server: %w", err)
			}
			fmt.Fprintln(app.out, "switchyard stopped")
			return nil
		},
	}
}

func (app *App) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status and summary stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			return daemon.Status(cfg, app.out)
		},
	}
}
