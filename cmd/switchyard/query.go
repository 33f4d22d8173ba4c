package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/allaspectsdev/switchyard/internal/daemon"
	"github.com/allaspectsdev/switchyard/internal/executor"
	"github.com/allaspectsdev/switchyard/internal/fallback"
	"github.com/allaspectsdev/switchyard/internal/gateway"
	"github.com/allaspectsdev/switchyard/internal/normalize"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

// requestFlags are the per-request options shared by query commands.
type requestFlags struct {
	prefer  string
	offline bool
	ttl     time.Duration
	lang    string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.prefer, "prefer", "", "provider to try first (name or service/name)")
	cmd.Flags().BoolVar(&f.offline, "offline", false, "answer from cache or fallback data only")
	cmd.Flags().DurationVar(&f.ttl, "ttl", -1, "cache lifetime for this result (0 disables caching)")
	cmd.Flags().StringVar(&f.lang, "lang", "", "language for localised text")
}

func (f *requestFlags) options() gateway.Options {
	opts := gateway.Options{
		PreferredProvider: f.prefer,
		ForceOffline:      f.offline,
		Language:          f.lang,
	}
	if f.ttl >= 0 {
		opts.TTLOverride = gateway.TTL(f.ttl)
	}
	return opts
}

// signalContext is cancelled on SIGINT or SIGTERM so an interrupted query
// stops dispatching.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// request runs one gateway request in-process and prints the result.
func (app *App) request(service registry.Service, op registry.Operation, args map[string]string, flags *requestFlags) error {
	return app.withRuntime(func(rt *daemon.Runtime) error {
		ctx, cancel := signalContext()
		defer cancel()

		res, err := rt.Gateway.Request(ctx, service, op, args, flags.options())
		if err != nil {
			return err
		}
		if app.jsonOut {
			return app.printJSON(res)
		}
		app.printResult(res)
		return nil
	})
}

func (app *App) chatCmd() *cobra.Command {
	var (
		flags  requestFlags
		system string
		model  string
	)
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Send a prompt to the first available chat provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqArgs := map[string]string{executor.ArgPrompt: strings.Join(args, " ")}
			if system != "" {
				reqArgs[executor.ArgSystem] = system
			}
			if model != "" {
				reqArgs[executor.ArgModel] = model
			}
			return app.request(registry.ServiceChat, registry.OpCompletion, reqArgs, &flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	return cmd
}

func (app *App) weatherCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "weather <location>",
		Short: "Show current weather for a location",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.request(registry.ServiceWeather, registry.OpCurrent,
				map[string]string{executor.ArgLocation: strings.Join(args, " ")}, &flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (app *App) forecastCmd() *cobra.Command {
	var (
		flags requestFlags
		days  int
	)
	cmd := &cobra.Command{
		Use:   "forecast <location>",
		Short: "Show a daily forecast for a location",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.request(registry.ServiceWeather, registry.OpForecast, map[string]string{
				executor.ArgLocation: strings.Join(args, " "),
				executor.ArgDays:     strconv.Itoa(days),
			}, &flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&days, "days", 3, "number of days (1-14)")
	return cmd
}

func (app *App) ratesCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "rates <base> [quote]",
		Short: "Show exchange rates for a base currency",
		Long: `With a quote currency, show the single pair rate. Without one, show
every rate the provider publishes for base.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return app.request(registry.ServiceRates, registry.OpPair, map[string]string{
					executor.ArgBase:  args[0],
					executor.ArgQuote: args[1],
				}, &flags)
			}
			return app.request(registry.ServiceRates, registry.OpLatest,
				map[string]string{executor.ArgBase: args[0]}, &flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (app *App) convertCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "convert <amount> <from> <to>",
		Short: "Convert an amount between currencies",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[0])
			}
			return app.withRuntime(func(rt *daemon.Runtime) error {
				ctx, cancel := signalContext()
				defer cancel()

				conv, err := rt.Gateway.Convert(ctx, amount, args[1], args[2], flags.options())
				if err != nil {
					return err
				}
				if app.jsonOut {
					return app.printJSON(conv)
				}
				fmt.Fprintf(app.out, "%.2f %s = %.4f %s\n", conv.Amount, conv.From, conv.Value, conv.To)
				fmt.Fprintf(app.out, "rate %.6f as of %s", conv.Rate, conv.AsOf.Format(time.RFC3339))
				if conv.Provider != "" {
					fmt.Fprintf(app.out, " via %s", conv.Provider)
				}
				fmt.Fprintln(app.out)
				app.printDegraded(conv.Degraded)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func (app *App) healthCmd() *cobra.Command {
	var (
		service string
		probe   bool
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show provider breaker and rate-limit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withRuntime(func(rt *daemon.Runtime) error {
				online := rt.Gateway.Online()
				if probe {
					ctx, cancel := signalContext()
					defer cancel()
					_, online = rt.Gateway.CheckConnectivity(ctx)
				}
				health := rt.Gateway.Health(registry.Service(service))
				if app.jsonOut {
					return app.printJSON(map[string]any{"online": online, "providers": health})
				}

				fmt.Fprintf(app.out, "online: %v\n\n", online)
				tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PROVIDER\tKIND\tPRIO\tENABLED\tSTATE\tFAILURES\tLAST ERROR")
				for _, h := range health {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\t%d\t%s\n",
						h.Provider, h.Kind, h.Priority, h.Enabled, h.State, h.ConsecutiveFailures, h.LastError)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "only show providers of this service")
	cmd.Flags().BoolVar(&probe, "probe", false, "probe connectivity before reporting")
	return cmd
}

func (app *App) statsCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the persisted request log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withRuntime(func(rt *daemon.Runtime) error {
				stats, err := rt.Store.GetRequestStats(time.Now().Add(-since))
				if err != nil {
					return err
				}
				usage := rt.Gateway.CacheUsage()
				if app.jsonOut {
					return app.printJSON(map[string]any{"requests": stats, "cache": usage})
				}
				fmt.Fprintf(app.out, "requests in the last %s: %d\n", since, stats.TotalRequests)
				fmt.Fprintf(app.out, "cache: %d entries, %d / %d bytes\n", usage.Entries, usage.Bytes, usage.MaxBytes)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window to summarise")
	return cmd
}

func (app *App) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge <namespace> [fingerprint]",
		Short: "Drop cached results for a namespace or a single fingerprint",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp := ""
			if len(args) == 2 {
				fp = args[1]
			}
			return app.withRuntime(func(rt *daemon.Runtime) error {
				if err := rt.Gateway.Invalidate(args[0], fp); err != nil {
					return err
				}
				fmt.Fprintln(app.out, "purged")
				return nil
			})
		},
	})
	return cmd
}

func (app *App) printResult(res *gateway.Result) {
	switch {
	case res.Chat != nil:
		fmt.Fprintln(app.out, res.Chat.Text)
		fmt.Fprintf(app.errOut, "(%s, %s)\n", res.Chat.ModelUsed, res.Provider)
	case res.Current != nil:
		printCurrent(app, res.Current)
	case res.Forecast != nil:
		printForecast(app, res.Forecast)
	case res.Rates != nil:
		printRates(app, res.Rates)
	}
	app.printDegraded(res.Degraded)
}

func printCurrent(app *App, c *normalize.Current) {
	o := c.Observed
	fmt.Fprintf(app.out, "%s: %.1f°C, %s\n", locationName(c.Location), o.TemperatureC, o.ConditionText)
	if o.HumidityPct != nil {
		fmt.Fprintf(app.out, "  humidity %.0f%%\n", *o.HumidityPct)
	}
	if o.WindMps != nil {
		fmt.Fprintf(app.out, "  wind %.1f m/s\n", *o.WindMps)
	}
	fmt.Fprintf(app.out, "  observed %s\n", o.ObservedAt.Format(time.RFC3339))
}

func printForecast(app *App, f *normalize.Forecast) {
	fmt.Fprintln(app.out, locationName(f.Location))
	tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	for _, d := range f.Days {
		fmt.Fprintf(tw, "  %s\t%.1f°C\t%.1f°C\t%s\n", d.Date, d.MinC, d.MaxC, d.ConditionText)
	}
	tw.Flush()
}

func printRates(app *App, r *normalize.Rates) {
	codes := make([]string, 0, len(r.Quotes))
	for code := range r.Quotes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	fmt.Fprintf(app.out, "1 %s (as of %s)\n", r.Base, r.AsOf.Format(time.RFC3339))
	for _, code := range codes {
		fmt.Fprintf(app.out, "  %s\t%.6f\n", code, r.Quotes[code])
	}
}

func locationName(l normalize.Location) string {
	if l.Country != "" {
		return l.Name + ", " + l.Country
	}
	return l.Name
}

// printDegraded notes on stderr that a result did not come from a live
// provider.
func (app *App) printDegraded(d *fallback.Degradation) {
	if d == nil {
		return
	}
	msg := fmt.Sprintf("degraded: %s", d.Reason)
	if d.CachedAt != nil {
		msg += fmt.Sprintf(", cached %s ago", time.Since(*d.CachedAt).Round(time.Second))
	}
	if d.Source != "" {
		msg += ", source " + d.Source
	}
	fmt.Fprintln(app.errOut, msg)
}
