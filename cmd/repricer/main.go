package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repricer/internal/bootstrap"
	"repricer/internal/core"
	"repricer/internal/feed"
)

const usage = `Usage: repricer <command> [flags]

Commands:
  serve       run the HTTP API, scheduler, reconciler and feed consumers
  etl         refresh price bounds from the catalog database once
  poll        fetch competing offers for every tracked product once
  reconcile   publish pending decisions once
  decide      preview the decision for an offer snapshot without writing

Run "repricer <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "etl":
		err = runOnce(cmd, args, (*bootstrap.App).RunETL)
	case "poll":
		err = runOnce(cmd, args, func(app *bootstrap.App, ctx context.Context) (*feed.PollReport, error) {
			return app.Poller.Poll(ctx)
		})
	case "reconcile":
		err = runOnce(cmd, args, func(app *bootstrap.App, ctx context.Context) (*core.ReconcileReport, error) {
			return app.Reconciler.RunOnce(ctx)
		})
	case "decide":
		err = runDecide(args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "repricer: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configFile := fs.String("config", "configs/config.yaml", "Path to configuration file")
	return fs, configFile
}

func configPath(flagValue string) string {
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		return env
	}
	return flagValue
}

func runServe(args []string) error {
	fs, configFile := newFlagSet("serve")
	_ = fs.Parse(args)

	app, err := bootstrap.NewApp(context.Background(), configPath(*configFile))
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(app.Runners()...)
}

// runOnce loads the app, runs fn and prints its report
func runOnce[T any](name string, args []string, fn func(app *bootstrap.App, ctx context.Context) (*T, error)) error {
	fs, configFile := newFlagSet(name)
	timeout := fs.Duration("timeout", 30*time.Minute, "Abort the run after this long")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	app, err := bootstrap.NewApp(ctx, configPath(*configFile))
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := fn(app, ctx)
	if report != nil {
		if perr := printJSON(os.Stdout, report); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func runDecide(args []string) error {
	fs, configFile := newFlagSet("decide")
	asin := fs.String("asin", "", "Product identifier; overrides the snapshot key")
	marketplace := fs.String("marketplace", "", "Marketplace id; defaults to app.marketplace_id")
	file := fs.String("file", "-", "Offer snapshot JSON file, - for stdin")
	_ = fs.Parse(args)

	snap, err := readSnapshot(*file)
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := bootstrap.NewApp(ctx, configPath(*configFile))
	if err != nil {
		return err
	}
	defer app.Close()

	if *asin != "" {
		snap.Key.ASIN = *asin
	}
	switch {
	case *marketplace != "":
		snap.Key.MarketplaceID = *marketplace
	case snap.Key.MarketplaceID == "":
		snap.Key.MarketplaceID = app.Cfg.App.MarketplaceID
	}
	if snap.Key.ASIN == "" {
		return fmt.Errorf("decide: -asin or key.asin is required")
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now().UTC()
	}
	if snap.Source == "" {
		snap.Source = "cli"
	}

	decision, err := app.Repricer.Preview(ctx, snap)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, decision)
}

func readSnapshot(path string) (core.OfferSnapshot, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return core.OfferSnapshot{}, err
		}
		defer f.Close()
		r = f
	}

	var snap core.OfferSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return core.OfferSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
