package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/daemon"
	"github.com/allaspectsdev/switchyard/internal/vault"
	"github.com/allaspectsdev/switchyard/internal/version"
)

// App holds the state shared by every command.
type App struct {
	configPath string
	jsonOut    bool
	verbose    bool

	out    io.Writer
	errOut io.Writer
}

func main() {
	app := &App{out: os.Stdout, errOut: os.Stderr}
	if err := app.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (app *App) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "switchyard",
		Short: "Chat, weather and currency rates through one failover gateway",
		Long: `switchyard answers chat, weather and currency-rate queries through a
gateway that fails over between providers, caches results on disk and
falls back to stale or built-in data when every provider is down.

Examples:
  switchyard weather London
  switchyard forecast "New York" --days 5
  switchyard convert 100 USD EUR
  switchyard chat "Summarise the plot of Hamlet"
  switchyard serve --foreground`,
		SilenceUsage: true,
	}
	root.SetOut(app.out)
	root.SetErr(app.errOut)

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default ~/.switchyard/switchyard.toml)")
	root.PersistentFlags().BoolVar(&app.jsonOut, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "also log to stderr")

	root.AddCommand(
		app.serveCmd(),
		app.stopCmd(),
		app.statusCmd(),
		app.chatCmd(),
		app.weatherCmd(),
		app.forecastCmd(),
		app.ratesCmd(),
		app.convertCmd(),
		app.healthCmd(),
		app.statsCmd(),
		app.cacheCmd(),
		app.initConfigCmd(),
		app.configExportCmd(),
		app.keysCmd(vault.New()),
		app.versionCmd(),
	)
	return root
}

func (app *App) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// withRuntime loads the config, wires an in-process gateway and runs fn
// against it. Logs go to the data directory's log file.
func (app *App) withRuntime(fn func(rt *daemon.Runtime) error) error {
	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	logFile, err := daemon.SetupLogging(cfg.Server.DataDir, cfg.Server.LogLevel, app.verbose)
	if err != nil {
		return err
	}
	defer logFile.Close()

	rt, err := daemon.Build(cfg, vault.New(), log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("runtime close error")
		}
	}()
	return fn(rt)
}

func (app *App) printJSON(v any) error {
	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (app *App) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(app.out, version.String())
		},
	}
}
