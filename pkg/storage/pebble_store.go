package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

// PebbleStore keeps one maker's book and trades in a local Pebble database.
// Writes that read-modify-write go through mu and one batch.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewMemPebbleStore opens an in-memory database.
func NewMemPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func storageErr(err error, format string, args ...any) error {
	return swaperr.Wrap(swaperr.Storage, err, format, args...)
}

func (s *PebbleStore) getJSON(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr(err, "get %s", key)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return storageErr(err, "decode %s", key)
	}
	return nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storageErr(err, "encode %s", key)
	}
	return b.Set(key, data, nil)
}

// putOrder writes an order and keeps the book index in step with its status.
func putOrder(b *pebble.Batch, o core.Order) error {
	if err := setJSON(b, orderKey(o.ID), o); err != nil {
		return err
	}
	idx := bookKey(o.AssetID, string(o.Side), o.ID)
	if o.Status == core.OrderOpen {
		return b.Set(idx, []byte(o.ID), nil)
	}
	return b.Delete(idx, nil)
}

func (s *PebbleStore) commit(b *pebble.Batch) error {
	if err := b.Commit(pebble.Sync); err != nil {
		return storageErr(err, "commit batch")
	}
	return nil
}

// SaveOrder persists an order to Pebble
func (s *PebbleStore) SaveOrder(ctx context.Context, o core.Order) error {
	return s.SaveOrders(ctx, []core.Order{o})
}

func (s *PebbleStore) SaveOrders(_ context.Context, orders []core.Order) error {
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			return swaperr.Wrap(swaperr.Validation, err, "save order")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	for _, o := range orders {
		if err := putOrder(b, o); err != nil {
			return err
		}
	}
	return s.commit(b)
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (core.Order, error) {
	var o core.Order
	err := s.getJSON(orderKey(id), &o)
	return o, err
}

func (s *PebbleStore) OrdersFor(_ context.Context, assetID string, status core.OrderStatus, side core.Side) ([]core.Order, error) {
	var orders []core.Order
	if status == core.OrderOpen {
		prefix := bookPrefix(assetID, string(side))
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
		if err != nil {
			return nil, storageErr(err, "iterate book")
		}
		defer iter.Close()
		for iter.First(); iter.Valid(); iter.Next() {
			var o core.Order
			if err := s.getJSON(orderKey(string(iter.Value())), &o); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return nil, err
			}
			orders = append(orders, o)
		}
	} else {
		prefix := []byte(prefixOrder)
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
		if err != nil {
			return nil, storageErr(err, "iterate orders")
		}
		defer iter.Close()
		for iter.First(); iter.Valid(); iter.Next() {
			var o core.Order
			if err := json.Unmarshal(iter.Value(), &o); err != nil {
				continue
			}
			if o.AssetID == assetID && o.Side == side && o.Status == status {
				orders = append(orders, o)
			}
		}
	}
	SortByPriority(orders, side)
	return orders, nil
}

func (s *PebbleStore) Reserve(_ context.Context, t core.Trade) (core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *core.Trade
	var existing core.Trade
	switch err := s.getJSON(tradeKey(t.MakerChannelKey, t.TradeID), &existing); {
	case err == nil:
		prev = &existing
	case !errors.Is(err, ErrNotFound):
		return core.Trade{}, err
	}

	orders := make(map[string]*core.Order)
	load := func(uses []core.OrderUse) error {
		for _, u := range uses {
			if _, ok := orders[u.OrderID]; ok {
				continue
			}
			var o core.Order
			err := s.getJSON(orderKey(u.OrderID), &o)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			orders[u.OrderID] = &o
		}
		return nil
	}
	if err := load(t.ConstituentOrders); err != nil {
		return core.Trade{}, err
	}
	if prev != nil {
		if err := load(prev.ConstituentOrders); err != nil {
			return core.Trade{}, err
		}
	}

	out, err := applyReservation(orders, t, prev)
	if err != nil {
		return core.Trade{}, err
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, o := range orders {
		if err := putOrder(b, *o); err != nil {
			return core.Trade{}, err
		}
	}
	if err := setJSON(b, tradeKey(out.MakerChannelKey, out.TradeID), out); err != nil {
		return core.Trade{}, err
	}
	if err := s.commit(b); err != nil {
		return core.Trade{}, err
	}
	return out, nil
}

func (s *PebbleStore) GetTrade(_ context.Context, tradeID, makerKey string) (core.Trade, error) {
	var t core.Trade
	err := s.getJSON(tradeKey(makerKey, tradeID), &t)
	return t, err
}

func (s *PebbleStore) MarkSigned(_ context.Context, tradeID, makerKey, outpoint, txid string) (core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t core.Trade
	if err := s.getJSON(tradeKey(makerKey, tradeID), &t); err != nil {
		return core.Trade{}, err
	}
	t, err := markSigned(t, outpoint, txid)
	if err != nil {
		return core.Trade{}, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, tradeKey(makerKey, tradeID), t); err != nil {
		return core.Trade{}, err
	}
	if err := s.commit(b); err != nil {
		return core.Trade{}, err
	}
	return t, nil
}

func (s *PebbleStore) scanTrades(makerKey string, keep func(core.Trade) bool) ([]core.Trade, error) {
	prefix := tradePrefix(makerKey)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, storageErr(err, "iterate trades")
	}
	defer iter.Close()

	var trades []core.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t core.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue // Skip invalid entries
		}
		if keep(t) {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (s *PebbleStore) OpenTrades(_ context.Context, makerKey string) ([]core.Trade, error) {
	trades, err := s.scanTrades(makerKey, func(t core.Trade) bool { return t.Status.Open() })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].CreatedAt.Before(trades[j].CreatedAt) })
	return trades, nil
}

func (s *PebbleStore) Trades(_ context.Context, makerKey string, limit int) ([]core.Trade, error) {
	trades, err := s.scanTrades(makerKey, func(core.Trade) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].CreatedAt.After(trades[j].CreatedAt) })
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (s *PebbleStore) RebalanceConfig(_ context.Context, assetID string) (core.RebalanceConfig, error) {
	var c core.RebalanceConfig
	err := s.getJSON(rebalanceKey(assetID), &c)
	return c, err
}

func (s *PebbleStore) SaveRebalanceConfig(_ context.Context, c core.RebalanceConfig) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, rebalanceKey(c.AssetID), c); err != nil {
		return err
	}
	return s.commit(b)
}

func (s *PebbleStore) CommitSweep(_ context.Context, sw Sweep) (Sweep, error) {
	if sw.Empty() {
		return sw, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := Sweep{Updated: sw.Updated, Released: sw.Released, NewOrders: sw.NewOrders}
	release := append([]core.OrderUse(nil), sw.Released...)
	for _, t := range sw.Deleted {
		var stored core.Trade
		err := s.getJSON(tradeKey(t.MakerChannelKey, t.TradeID), &stored)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Sweep{}, err
		}
		if staleDelete(stored, t) {
			continue
		}
		applied.Deleted = append(applied.Deleted, stored)
		release = append(release, stored.ConstituentOrders...)
	}

	released := make(map[string]*core.Order)
	for _, u := range release {
		o, ok := released[u.OrderID]
		if !ok {
			var loaded core.Order
			err := s.getJSON(orderKey(u.OrderID), &loaded)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return Sweep{}, err
			}
			o = &loaded
			released[u.OrderID] = o
		}
		releaseFill(o, u.UsedAmount)
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, o := range released {
		if err := putOrder(b, *o); err != nil {
			return Sweep{}, err
		}
	}
	for _, o := range sw.NewOrders {
		if err := putOrder(b, o); err != nil {
			return Sweep{}, err
		}
	}
	for _, t := range sw.Updated {
		if err := setJSON(b, tradeKey(t.MakerChannelKey, t.TradeID), t); err != nil {
			return Sweep{}, err
		}
	}
	for _, t := range applied.Deleted {
		if err := b.Delete(tradeKey(t.MakerChannelKey, t.TradeID), nil); err != nil {
			return Sweep{}, storageErr(err, "delete trade %s", t.TradeID)
		}
	}
	if err := s.commit(b); err != nil {
		return Sweep{}, err
	}
	return applied, nil
}

var _ Store = (*PebbleStore)(nil)
