package ledger

import (
	"context"
	"time"

	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/util"
)

// EnsureSynced fails with LedgerOutOfSync unless the indexer has caught up
// with the chain tip. A lag of exactly one block is retried once after delay.
func EnsureSynced(ctx context.Context, l Ledger, a Assets, clock util.Clock, delay time.Duration) error {
	lag, err := indexLag(ctx, l, a)
	if err != nil {
		return err
	}
	if lag <= 0 {
		return nil
	}
	if lag > 1 {
		return swaperr.New(swaperr.LedgerOutOfSync, "indexer %d blocks behind tip", lag)
	}

	select {
	case <-clock.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	lag, err = indexLag(ctx, l, a)
	if err != nil {
		return err
	}
	if lag > 0 {
		return swaperr.New(swaperr.LedgerOutOfSync, "indexer still %d blocks behind tip after retry", lag)
	}
	return nil
}

func indexLag(ctx context.Context, l Ledger, a Assets) (int64, error) {
	tip, err := l.TipHeight(ctx)
	if err != nil {
		return 0, swaperr.Wrap(swaperr.LedgerOutOfSync, err, "tip height")
	}
	indexed, err := a.IndexedHeight(ctx)
	if err != nil {
		return 0, swaperr.Wrap(swaperr.LedgerOutOfSync, err, "indexed height")
	}
	return tip - indexed, nil
}
