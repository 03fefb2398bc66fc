// Package node assembles the collaborators a maker node or taker needs from
// configuration.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/params"
	"github.com/uhyunpark/runeswap/pkg/crypto"
	"github.com/uhyunpark/runeswap/pkg/ledger"
	"github.com/uhyunpark/runeswap/pkg/matcher"
	"github.com/uhyunpark/runeswap/pkg/p2p"
	"github.com/uhyunpark/runeswap/pkg/protocol"
	"github.com/uhyunpark/runeswap/pkg/reconcile"
	"github.com/uhyunpark/runeswap/pkg/storage"
	"github.com/uhyunpark/runeswap/pkg/swap"
	"github.com/uhyunpark/runeswap/pkg/taker"
	"github.com/uhyunpark/runeswap/pkg/util"
	"github.com/uhyunpark/runeswap/pkg/wallet"
)

type Node struct {
	Config params.Config
	Net    *chaincfg.Params
	Key    *crypto.Signer
	Wallet *wallet.KeySigner
	Bus    *p2p.Bus
	Store  storage.Store
	Ledger ledger.Ledger
	Assets ledger.Assets
	Clock  util.Clock
	Log    *zap.SugaredLogger

	closers []func() error
}

// Open connects the bus and the store. The bus listens until ctx ends.
func Open(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) (*Node, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	net, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	n := &Node{Config: cfg, Net: net, Clock: util.RealClock{}, Log: log}

	if cfg.NodeKey == "" {
		n.Key, err = crypto.GenerateKey()
		log.Warnw("node_key_generated", "note", "NODE_KEY unset, identity is ephemeral")
	} else {
		n.Key, err = crypto.FromPrivateKeyHex(cfg.NodeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	n.Wallet, err = wallet.NewKeySigner(n.Key.PrivateKeyBytes(), net)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}

	esplora := ledger.NewEsplora(cfg.Ledger.EsploraURL, net, cfg.Ledger.Timeout)
	esplora.FeeTarget = cfg.Ledger.FeeTarget
	n.Ledger = esplora
	n.Assets = ledger.NewRuneIndexer(cfg.Ledger.IndexerURL, cfg.Ledger.Timeout)

	if n.Store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, n.Store.Close)

	tr, err := openTransport(ctx, cfg.Bus, log)
	if err != nil {
		n.Close()
		return nil, err
	}
	if n.Bus, err = p2p.NewBus(ctx, n.Key, tr, log.Named("bus")); err != nil {
		_ = tr.Close()
		n.Close()
		return nil, err
	}
	n.closers = append(n.closers, n.Bus.Close)

	log.Infow("node_opened",
		"network", net.Name, "channel_key", n.Key.ChannelKey(), "address", n.Wallet.Address(),
		"bus", cfg.Bus.Backend, "store", cfg.Store.Backend)
	return n, nil
}

func openStore(ctx context.Context, c params.Store) (storage.Store, error) {
	switch c.Backend {
	case "postgres":
		return storage.NewPostgresStore(ctx, storage.PostgresConfig{URL: c.PostgresURL, MaxConns: c.MaxConns})
	case "pebble":
		return storage.NewPebbleStore(c.PebblePath)
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Backend)
}

func openTransport(ctx context.Context, c params.Bus, log *zap.SugaredLogger) (p2p.Transport, error) {
	switch c.Backend {
	case "libp2p":
		return p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{ListenAddr: c.ListenAddr, Bootstrap: c.Bootstrap, Logger: log.Named("libp2p")})
	case "redis":
		return p2p.NewRedisNet(ctx, p2p.RedisConfig{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB, Logger: log.Named("redis")})
	case "memory":
		return p2p.NewMemoryNetwork().Transport(), nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", c.Backend)
}

// PublicKeyHex is the wallet key as stored on orders.
func (n *Node) PublicKeyHex() string { return hex.EncodeToString(n.Wallet.PublicKey()) }

// NewMaker returns the reserve/sign/ping handler; the caller installs it on
// the bus.
func (n *Node) NewMaker() *protocol.Maker {
	return protocol.NewMaker(n.Bus, n.Store, n.Wallet, n.Assets, n.Clock, n.Log.Named("maker"))
}

func (n *Node) NewReconciler() *reconcile.Reconciler {
	c := n.Config.Reconciler
	return reconcile.New(n.Store, n.Ledger, n.Key.ChannelKey(),
		reconcile.Config{Interval: c.Interval, Grace: c.Grace, RequiredConfirmations: c.Confirmations},
		n.Clock, n.Log.Named("reconcile"))
}

// NewTaker wires the fill pipeline against the node's order book.
func (n *Node) NewTaker() (*taker.Taker, error) {
	c := n.Config
	script, err := c.ProtocolScript()
	if err != nil {
		return nil, err
	}
	neg := protocol.NewNegotiator(n.Bus, protocol.Options{
		ReserveTimeout: c.Negotiation.ReserveTimeout,
		PingTimeout:    c.Negotiation.PingTimeout,
		SignTimeout:    c.Negotiation.SignTimeout,
		SubscribeDelay: c.Negotiation.SubscribeDelay,
	}, n.Clock, n.Log.Named("negotiator"))

	m := matcher.New(n.Store, neg, matcher.LedgerFunds{Ledger: n.Ledger, Assets: n.Assets}, n.Log.Named("matcher"))
	m.SelfKey = n.Key.ChannelKey()
	m.PingFirst = c.Negotiation.PingFirst

	return &taker.Taker{
		Ledger:  n.Ledger,
		Assets:  n.Assets,
		Matcher: m,
		Builder: swap.NewBuilder(n.Net, swap.Fees{
			MakerBps: c.Fees.MakerBps, ProtocolBps: c.Fees.ProtocolBps, ProtocolScript: script,
		}, n.Log.Named("swap")),
		Signers:   neg,
		Wallet:    n.Wallet,
		Clock:     n.Clock,
		SyncDelay: c.Ledger.SyncDelay,
		Logger:    n.Log.Named("taker"),
	}, nil
}

// Close releases the bus and the store, last opened first.
func (n *Node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	n.closers = nil
	return errors.Join(errs...)
}
