package matcher

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/ledger"
)

// Funds is what one maker can put into a swap. Available is in asset units
// for ask makers and value units for bid makers.
type Funds struct {
	Outputs   []core.UnspentOutput
	Available int64
}

// FundsResolver looks up a maker's spendable outputs for an order.
type FundsResolver interface {
	Funds(ctx context.Context, o core.Order) (Funds, error)
}

// LedgerFunds resolves funds from the chain and rune index: rune outputs
// holding the asset for ask makers, plain value outputs for bid makers.
type LedgerFunds struct {
	Ledger ledger.Ledger
	Assets ledger.Assets
}

func (f LedgerFunds) Funds(ctx context.Context, o core.Order) (Funds, error) {
	pub, err := hex.DecodeString(o.MakerPublicKey)
	if err != nil {
		return Funds{}, fmt.Errorf("order %s: maker public key: %w", o.ID, err)
	}
	if o.Side == core.Ask {
		outs, err := f.Assets.BalancesForAddress(ctx, o.MakerAddress)
		if err != nil {
			return Funds{}, err
		}
		var fs Funds
		for _, u := range outs {
			if !u.IsSafeToSpend || u.AssetAmount(o.AssetID) <= 0 {
				continue
			}
			u.OwnerPublicKey = pub
			fs.Outputs = append(fs.Outputs, u)
			fs.Available += u.AssetAmount(o.AssetID)
		}
		return fs, nil
	}

	outs, err := f.Ledger.UTXOsFor(ctx, o.MakerAddress)
	if err != nil {
		return Funds{}, err
	}
	var safe []core.UnspentOutput
	locs := make([]string, 0, len(outs))
	for _, u := range outs {
		if u.IsSafeToSpend {
			safe = append(safe, u)
			locs = append(locs, u.Location())
		}
	}
	bals, err := f.Assets.BalancesForOutputs(ctx, locs)
	if err != nil {
		return Funds{}, err
	}
	var fs Funds
	for _, u := range safe {
		u.AssetBalances = bals[u.Location()]
		// never spend rune-bearing outputs as plain value
		if u.HasAssets() {
			continue
		}
		u.OwnerPublicKey = pub
		fs.Outputs = append(fs.Outputs, u)
		fs.Available += u.Value
	}
	return fs, nil
}

var _ FundsResolver = LedgerFunds{}
