package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/runeswap/pkg/ledger"
	"github.com/uhyunpark/runeswap/pkg/ledger/ledgertest"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/util"
)

// catchUpClock lets the indexer catch up while the sync guard waits.
type catchUpClock struct {
	*util.ManualClock
	chain *ledgertest.Chain
}

func (c catchUpClock) After(d time.Duration) <-chan time.Time {
	c.chain.Indexed = c.chain.Tip
	return c.ManualClock.After(d)
}

func TestEnsureSynced(t *testing.T) {
	ctx := context.Background()
	delay := 5 * time.Second

	t.Run("in sync", func(t *testing.T) {
		chain := ledgertest.New()
		clock := util.NewManualClock(time.Unix(0, 0))
		require.NoError(t, ledger.EnsureSynced(ctx, chain, chain, clock, delay))
		assert.Empty(t, clock.Waited)
	})

	t.Run("one behind then caught up", func(t *testing.T) {
		chain := ledgertest.New()
		chain.Indexed = chain.Tip - 1
		clock := catchUpClock{ManualClock: util.NewManualClock(time.Unix(0, 0)), chain: chain}
		require.NoError(t, ledger.EnsureSynced(ctx, chain, chain, clock, delay))
		assert.Equal(t, []time.Duration{delay}, clock.Waited)
	})

	t.Run("one behind and still behind", func(t *testing.T) {
		chain := ledgertest.New()
		chain.Indexed = chain.Tip - 1
		clock := util.NewManualClock(time.Unix(0, 0))
		err := ledger.EnsureSynced(ctx, chain, chain, clock, delay)
		require.ErrorIs(t, err, swaperr.ErrLedgerOutOfSync)
		assert.Len(t, clock.Waited, 1)
	})

	t.Run("two behind is fatal without retry", func(t *testing.T) {
		chain := ledgertest.New()
		chain.Indexed = chain.Tip - 2
		clock := util.NewManualClock(time.Unix(0, 0))
		err := ledger.EnsureSynced(ctx, chain, chain, clock, delay)
		require.ErrorIs(t, err, swaperr.ErrLedgerOutOfSync)
		assert.Empty(t, clock.Waited)
	})
}
