// Command discount-reconcile replays exported paid orders through
// reconciliation and optionally sweeps orphaned intents.
//
// Orders are newline-delimited orders/paid payloads, optionally gzip
// compressed. Only orders that reference a known discount code or virtual
// product are reconciled.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/party-discounts/internal/app"
	"github.com/xenking/party-discounts/internal/domain/discount"
	"github.com/xenking/party-discounts/internal/shopify"
	"github.com/xenking/party-discounts/internal/storage/postgres"
)

type options struct {
	ordersGlob     string
	readers        int
	bloomCapacity  uint
	dryRun         bool
	sweepOlderThan time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.ordersGlob, "orders", "", "glob of order files (*.ndjson or *.ndjson.gz)")
	flag.IntVar(&opts.readers, "readers", 4, "files read in parallel")
	flag.UintVar(&opts.bloomCapacity, "bloom-capacity", 1_000_000, "expected number of known codes and virtual products")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "only count the orders that would be reconciled")
	flag.DurationVar(&opts.sweepOlderThan, "sweep-older-than", 0, "delete unattached intents older than this (0 disables)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, lg, opts); err != nil {
		lg.Error("Reconcile failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	if opts.ordersGlob == "" && opts.sweepOlderThan <= 0 {
		return errors.New("nothing to do: set -orders or -sweep-older-than")
	}

	cfg, err := app.LoadToolConfig()
	if err != nil {
		return err
	}
	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	store := postgres.NewDiscountStore(pool)
	engine, err := discount.NewEngine(store, postgres.NewPartyDirectory(pool), shopify.New(cfg.ShopifyClient()), engineCfg)
	if err != nil {
		return errors.Wrap(err, "create engine")
	}

	if opts.ordersGlob != "" {
		files, err := filepath.Glob(opts.ordersGlob)
		if err != nil {
			return errors.Wrap(err, "match order files")
		}
		if len(files) == 0 {
			return errors.Errorf("no files match %q", opts.ordersGlob)
		}

		f := newRefFilter(opts.bloomCapacity, engineCfg.VirtualSKUPrefix)
		if err := store.ForEachReference(ctx, func(ref string) error {
			f.add(ref)
			return nil
		}); err != nil {
			return errors.Wrap(err, "load references")
		}
		lg.Info("Loaded references",
			zap.Uint64("refs", f.count),
			zap.Float64("fpr_estimate", bloom.EstimateFalsePositiveRate(f.bloom.Cap(), f.bloom.K(), uint(max(f.count, 1)))),
		)

		st, err := backfill(ctx, files, f, engine, opts.readers, opts.dryRun)
		if err != nil {
			return errors.Wrap(err, "backfill")
		}
		lg.Info("Backfill complete",
			zap.Int("files", len(files)),
			zap.Int64("orders", st.orders.Load()),
			zap.Int64("candidates", st.candidates),
			zap.Int64("codes", st.codes),
			zap.Int64("failed", st.failed),
			zap.Bool("dry_run", opts.dryRun),
		)
	}

	if opts.sweepOlderThan > 0 {
		n, err := engine.SweepOrphanedIntents(ctx, opts.sweepOlderThan)
		if err != nil {
			return errors.Wrap(err, "sweep orphaned intents")
		}
		lg.Info("Swept orphaned intents", zap.Int64("deleted", n))
	}
	return nil
}
