package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/party-discounts/internal/domain/discount"
	"github.com/xenking/party-discounts/internal/shopify"
)

const (
	bloomFPR     = 0.001
	maxLineBytes = 4 << 20
)

type reconciler interface {
	ReconcilePaidOrder(ctx context.Context, order discount.PaidOrder) *discount.Reconciliation
}

// refFilter tells whether an order may reference a locally known code or
// virtual product. False positives only cost an idempotent reconcile.
type refFilter struct {
	bloom     *bloom.BloomFilter
	skuPrefix string
	count     uint64
}

func newRefFilter(capacity uint, skuPrefix string) *refFilter {
	return &refFilter{
		bloom:     bloom.NewWithEstimates(max(capacity, 1), bloomFPR),
		skuPrefix: skuPrefix,
	}
}

func (f *refFilter) add(ref string) {
	f.bloom.AddString(ref)
	f.count++
}

func (f *refFilter) candidate(o discount.PaidOrder) bool {
	for _, code := range o.DiscountCodes {
		if f.bloom.TestString(code) {
			return true
		}
	}
	for _, li := range o.LineItems {
		if f.skuPrefix != "" && strings.HasPrefix(li.SKU, f.skuPrefix) {
			return true
		}
		if li.ProductID != "" && f.bloom.TestString(li.ProductID) {
			return true
		}
	}
	return false
}

type stats struct {
	orders atomic.Int64

	// Owned by the reconciling goroutine.
	candidates, codes, failed int64
}

// backfill streams files concurrently and reconciles candidate orders one
// at a time, in the order they are read.
func backfill(ctx context.Context, files []string, f *refFilter, rec reconciler, readers int, dryRun bool) (*stats, error) {
	var (
		st     stats
		orders = make(chan discount.PaidOrder, 64)
		lg     = zctx.From(ctx)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(orders)
		rg, rctx := errgroup.WithContext(gctx)
		rg.SetLimit(max(readers, 1))
		for _, path := range files {
			rg.Go(func() error {
				return streamOrders(rctx, path, func(o discount.PaidOrder) error {
					st.orders.Add(1)
					if !f.candidate(o) {
						return nil
					}
					select {
					case orders <- o:
						return nil
					case <-rctx.Done():
						return rctx.Err()
					}
				})
			})
		}
		return rg.Wait()
	})
	g.Go(func() error {
		for o := range orders {
			if err := gctx.Err(); err != nil {
				return err
			}
			st.candidates++
			if dryRun {
				continue
			}
			res := rec.ReconcilePaidOrder(gctx, o)
			st.codes += int64(len(res.DiscountCodes))
			if len(res.Errors) > 0 {
				st.failed++
				lg.Warn("Order reconciled with errors",
					zap.String("order_id", o.OrderID),
					zap.Strings("errors", res.Errors),
				)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &st, nil
}

// streamOrders calls fn for each order of a newline-delimited file. Files
// ending in .gz are decompressed. Malformed lines are logged and skipped.
func streamOrders(ctx context.Context, path string, fn func(discount.PaidOrder) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	lg := zctx.From(ctx)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := scanner.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		o, err := shopify.DecodePaidOrder(b)
		if err != nil {
			lg.Warn("Skipping malformed order",
				zap.String("file", path),
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
