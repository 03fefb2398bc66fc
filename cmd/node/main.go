package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/runeswap/params"
	"github.com/uhyunpark/runeswap/pkg/api"
	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/node"
	"github.com/uhyunpark/runeswap/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default ./.env if present)")
	flag.Parse()

	cfg, err := params.Load(*envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile, "level", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Bus, store, ledger clients ----
	n, err := node.Open(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("node_open_failed", "err", err)
	}
	defer n.Close()

	// ---- API Server ----
	apiServer := api.NewServer(n.Store, n.Assets, api.Identity{
		ChannelKey: n.Key.ChannelKey(),
		Address:    n.Wallet.Address(),
		PublicKey:  n.PublicKeyHex(),
	}, cfg.API.Origins, n.Clock, sugar.Named("api"))

	// ---- Maker: reserve / sign / ping ----
	maker := n.NewMaker()
	maker.OnTradeUpdate = apiServer.BroadcastTrade
	n.Bus.SetHandler(maker.Handle)

	// ---- Reconciler ----
	rec := n.NewReconciler()
	rec.OnTradeUpdate = func(t core.Trade) {
		apiServer.BroadcastTrade(t)
		if t.Status == core.TradeConfirmed {
			sugar.Infow("trade_settled", "trade_id", t.TradeID, "txid", t.LedgerTxID, "amount", t.Amount)
		}
	}
	rec.OnTradeRemoved = apiServer.BroadcastTradeRemoved

	sugar.Infow("node_starting",
		"channel_key", n.Key.ChannelKey(),
		"address", n.Wallet.Address(),
		"api_addr", cfg.API.Addr,
		"reconcile_interval", cfg.Reconciler.Interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Start(gctx, cfg.API.Addr) })
	g.Go(func() error {
		if err := rec.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		sugar.Errorw("node_failed", "err", err)
		os.Exit(1)
	}
	sugar.Info("node_stopped")
}
