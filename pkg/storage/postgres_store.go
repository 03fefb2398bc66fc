package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

//go:embed schema.sql
var schema string

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// PostgresStore is a shared order book. Several makers may use one database;
// each only reserves against its own orders.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and applies the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const orderColumns = `id, asset_id, quantity, filled_quantity, price, side, status,
	maker_channel_key, maker_address, maker_public_key, created_at`

const tradeColumns = `id, trade_id, maker_channel_key, asset_id, ledger_tx_id, funding_outpoint,
	constituent_orders, side, amount, price, status, confirmations, created_at`

const upsertOrder = `
	INSERT INTO orders (` + orderColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		filled_quantity = EXCLUDED.filled_quantity,
		price = EXCLUDED.price,
		status = EXCLUDED.status`

const upsertTrade = `
	INSERT INTO trades (` + tradeColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (trade_id, maker_channel_key) DO UPDATE SET
		ledger_tx_id = EXCLUDED.ledger_tx_id,
		funding_outpoint = EXCLUDED.funding_outpoint,
		constituent_orders = EXCLUDED.constituent_orders,
		amount = EXCLUDED.amount,
		price = EXCLUDED.price,
		status = EXCLUDED.status,
		confirmations = EXCLUDED.confirmations`

func orderArgs(o core.Order) []any {
	return []any{o.ID, o.AssetID, o.Quantity, o.FilledQuantity, o.Price, string(o.Side), string(o.Status),
		o.MakerChannelKey, o.MakerAddress, o.MakerPublicKey, o.CreatedAt}
}

func tradeArgs(t core.Trade) ([]any, error) {
	uses, err := json.Marshal(t.ConstituentOrders)
	if err != nil {
		return nil, storageErr(err, "encode constituent orders")
	}
	return []any{t.ID, t.TradeID, t.MakerChannelKey, t.AssetID, t.LedgerTxID, t.FundingOutpoint,
		string(uses), string(t.Side), t.Amount, t.Price, string(t.Status), t.Confirmations, t.CreatedAt}, nil
}

func scanOrder(row pgx.Row) (core.Order, error) {
	var o core.Order
	var side, status string
	err := row.Scan(&o.ID, &o.AssetID, &o.Quantity, &o.FilledQuantity, &o.Price, &side, &status,
		&o.MakerChannelKey, &o.MakerAddress, &o.MakerPublicKey, &o.CreatedAt)
	o.Side, o.Status = core.Side(side), core.OrderStatus(status)
	return o, err
}

func scanTrade(row pgx.Row) (core.Trade, error) {
	var t core.Trade
	var side, status string
	var uses []byte
	err := row.Scan(&t.ID, &t.TradeID, &t.MakerChannelKey, &t.AssetID, &t.LedgerTxID, &t.FundingOutpoint,
		&uses, &side, &t.Amount, &t.Price, &status, &t.Confirmations, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Side, t.Status = core.Side(side), core.TradeStatus(status)
	if err := json.Unmarshal(uses, &t.ConstituentOrders); err != nil {
		return t, storageErr(err, "decode constituent orders")
	}
	return t, nil
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return storageErr(err, format, args...)
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o core.Order) error {
	return s.SaveOrders(ctx, []core.Order{o})
}

func (s *PostgresStore) SaveOrders(ctx context.Context, orders []core.Order) error {
	batch := &pgx.Batch{}
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			return swaperr.Wrap(swaperr.Validation, err, "save order")
		}
		batch.Queue(upsertOrder, orderArgs(o)...)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return storageErr(err, "save orders")
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (core.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return core.Order{}, notFoundOr(err, "get order %s", id)
	}
	return o, nil
}

func (s *PostgresStore) OrdersFor(ctx context.Context, assetID string, status core.OrderStatus, side core.Side) ([]core.Order, error) {
	dir := "ASC"
	if side == core.Bid {
		dir = "DESC"
	}
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE asset_id = $1 AND status = $2 AND side = $3
		ORDER BY price ` + dir + `, created_at ASC`

	rows, err := s.pool.Query(ctx, query, assetID, string(status), string(side))
	if err != nil {
		return nil, storageErr(err, "query orders")
	}
	defer rows.Close()

	var orders []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, storageErr(err, "scan order")
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate orders")
	}
	return orders, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, t core.Trade) (core.Trade, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return core.Trade{}, storageErr(err, "begin reserve")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var prev *core.Trade
	existing, err := scanTrade(tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1 AND maker_channel_key = $2 FOR UPDATE`,
		t.TradeID, t.MakerChannelKey))
	switch {
	case err == nil:
		prev = &existing
	case !errors.Is(err, pgx.ErrNoRows):
		return core.Trade{}, storageErr(err, "lock trade %s", t.TradeID)
	}

	ids := make([]string, 0, len(t.ConstituentOrders))
	for _, u := range t.ConstituentOrders {
		ids = append(ids, u.OrderID)
	}
	if prev != nil {
		for _, u := range prev.ConstituentOrders {
			ids = append(ids, u.OrderID)
		}
	}

	rows, err := tx.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return core.Trade{}, storageErr(err, "lock orders")
	}
	orders := make(map[string]*core.Order)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return core.Trade{}, storageErr(err, "scan order")
		}
		orders[o.ID] = &o
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return core.Trade{}, storageErr(err, "iterate orders")
	}

	out, err := applyReservation(orders, t, prev)
	if err != nil {
		return core.Trade{}, err
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}

	batch := &pgx.Batch{}
	for _, o := range orders {
		batch.Queue(`UPDATE orders SET filled_quantity = $2, status = $3 WHERE id = $1`,
			o.ID, o.FilledQuantity, string(o.Status))
	}
	args, err := tradeArgs(out)
	if err != nil {
		return core.Trade{}, err
	}
	batch.Queue(upsertTrade, args...)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return core.Trade{}, storageErr(err, "apply reservation")
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Trade{}, storageErr(err, "commit reservation")
	}
	return out, nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, tradeID, makerKey string) (core.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1 AND maker_channel_key = $2`, tradeID, makerKey))
	if err != nil {
		return core.Trade{}, notFoundOr(err, "get trade %s", tradeID)
	}
	return t, nil
}

func (s *PostgresStore) MarkSigned(ctx context.Context, tradeID, makerKey, outpoint, txid string) (core.Trade, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return core.Trade{}, storageErr(err, "begin mark signed")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t, err := scanTrade(tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1 AND maker_channel_key = $2 FOR UPDATE`,
		tradeID, makerKey))
	if err != nil {
		return core.Trade{}, notFoundOr(err, "lock trade %s", tradeID)
	}
	t, err = markSigned(t, outpoint, txid)
	if err != nil {
		return core.Trade{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE trades SET funding_outpoint = $3, ledger_tx_id = $4 WHERE trade_id = $1 AND maker_channel_key = $2`,
		tradeID, makerKey, t.FundingOutpoint, t.LedgerTxID); err != nil {
		return core.Trade{}, storageErr(err, "mark trade %s signed", tradeID)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Trade{}, storageErr(err, "commit mark signed")
	}
	return t, nil
}

func (s *PostgresStore) queryTrades(ctx context.Context, query string, args ...any) ([]core.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "query trades")
	}
	defer rows.Close()
	var trades []core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, storageErr(err, "scan trade")
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate trades")
	}
	return trades, nil
}

func (s *PostgresStore) OpenTrades(ctx context.Context, makerKey string) ([]core.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE maker_channel_key = $1 AND status IN ('pending', 'confirming')
		ORDER BY created_at ASC`, makerKey)
}

func (s *PostgresStore) Trades(ctx context.Context, makerKey string, limit int) ([]core.Trade, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE maker_channel_key = $1 ORDER BY created_at DESC LIMIT $2`, makerKey, limit)
}

func (s *PostgresStore) RebalanceConfig(ctx context.Context, assetID string) (core.RebalanceConfig, error) {
	c := core.RebalanceConfig{AssetID: assetID}
	err := s.pool.QueryRow(ctx,
		`SELECT enabled, spread_percent FROM rebalance_configs WHERE asset_id = $1`, assetID,
	).Scan(&c.Enabled, &c.SpreadPercent)
	if err != nil {
		return core.RebalanceConfig{}, notFoundOr(err, "get rebalance config %s", assetID)
	}
	return c, nil
}

func (s *PostgresStore) SaveRebalanceConfig(ctx context.Context, c core.RebalanceConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rebalance_configs (asset_id, enabled, spread_percent) VALUES ($1, $2, $3)
		ON CONFLICT (asset_id) DO UPDATE SET enabled = EXCLUDED.enabled, spread_percent = EXCLUDED.spread_percent`,
		c.AssetID, c.Enabled, c.SpreadPercent)
	if err != nil {
		return storageErr(err, "save rebalance config %s", c.AssetID)
	}
	return nil
}

func (s *PostgresStore) CommitSweep(ctx context.Context, sw Sweep) (Sweep, error) {
	if sw.Empty() {
		return sw, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Sweep{}, storageErr(err, "begin sweep")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	applied := Sweep{Updated: sw.Updated, Released: sw.Released, NewOrders: sw.NewOrders}
	release := append([]core.OrderUse(nil), sw.Released...)
	for _, t := range sw.Deleted {
		stored, err := scanTrade(tx.QueryRow(ctx,
			`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1 AND maker_channel_key = $2 FOR UPDATE`,
			t.TradeID, t.MakerChannelKey))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return Sweep{}, storageErr(err, "lock trade %s", t.TradeID)
		}
		if staleDelete(stored, t) {
			continue
		}
		applied.Deleted = append(applied.Deleted, stored)
		release = append(release, stored.ConstituentOrders...)
	}

	batch := &pgx.Batch{}
	for _, u := range release {
		batch.Queue(`
			UPDATE orders SET
				filled_quantity = GREATEST(filled_quantity - $2, 0),
				status = CASE WHEN status = 'closed' AND GREATEST(filled_quantity - $2, 0) < quantity
					THEN 'open' ELSE status END
			WHERE id = $1`, u.OrderID, u.UsedAmount)
	}
	for _, o := range sw.NewOrders {
		batch.Queue(upsertOrder, orderArgs(o)...)
	}
	for _, t := range sw.Updated {
		args, err := tradeArgs(t)
		if err != nil {
			return Sweep{}, err
		}
		batch.Queue(upsertTrade, args...)
	}
	for _, t := range applied.Deleted {
		batch.Queue(`DELETE FROM trades WHERE trade_id = $1 AND maker_channel_key = $2`, t.TradeID, t.MakerChannelKey)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Sweep{}, storageErr(err, "apply sweep")
	}
	if err := tx.Commit(ctx); err != nil {
		return Sweep{}, storageErr(err, "commit sweep")
	}
	return applied, nil
}

var _ Store = (*PostgresStore)(nil)
