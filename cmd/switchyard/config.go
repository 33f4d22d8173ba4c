package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/allaspectsdev/switchyard/internal/config"
)

func (app *App) initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			written, created, err := config.InitConfig(path)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(app.out, "%s already exists; left unchanged\n", written)
				return nil
			}
			fmt.Fprintf(app.out, "wrote %s\n", written)
			return nil
		},
	}
}

func (app *App) configExportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config-export [path]",
		Short: "Print or save the effective configuration",
		Long: `Without a path, print the effective configuration (file, environment
and defaults merged) to stdout. With a path, write it there; a .yaml or
.yml extension selects YAML. Literal secrets are never written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := config.ExportConfig(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(app.out, "wrote %s\n", args[0])
				return nil
			}
			data, err := config.Marshal(cfg, format)
			if err != nil {
				return err
			}
			_, err = app.out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "toml", "output format when printing (toml or yaml)")
	return cmd
}
