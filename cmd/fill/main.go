package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/uhyunpark/runeswap/params"
	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/node"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/taker"
	"github.com/uhyunpark/runeswap/pkg/util"
)

// fill runs one taker request end to end and prints the result as JSON.
//
//	fill -direction buy -asset 840000:3 -amount 100000
func main() {
	envPath := flag.String("env", "", "path to .env file (default ./.env if present)")
	direction := flag.String("direction", "", "buy or sell")
	asset := flag.String("asset", "", "rune id, block:tx")
	amount := flag.Int64("amount", 0, "sats to spend when buying, rune units to sell when selling")
	flag.Parse()

	cfg, err := params.Load(*envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := util.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.Open(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("node_open_failed", "err", err)
	}
	defer n.Close()

	t, err := n.NewTaker()
	if err != nil {
		sugar.Fatalw("taker_init_failed", "err", err)
	}

	res, err := t.Run(ctx, taker.Fill{Direction: core.Direction(*direction), AssetID: *asset, Amount: *amount})
	out := report{TradeID: res.TradeID, State: res.State.String(), TxID: res.TxID, Fee: res.Fee}
	for _, s := range res.Selected {
		out.Orders = append(out.Orders, filled{OrderID: s.Order.ID, Maker: s.Order.MakerChannelKey, Used: s.UsedAmount, Value: s.ValueAmount})
	}
	failure := err
	if failure == nil {
		failure = res.BroadcastErr
	}
	if failure != nil {
		out.Error = failure.Error()
		out.Code = int(swaperr.CodeOf(failure))
		out.Retryable = swaperr.Retryable(failure)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		fmt.Fprintln(os.Stderr, encErr)
	}
	if out.Error != "" {
		n.Close()
		os.Exit(exitCode(out.Retryable))
	}
}

// exitCode is EX_TEMPFAIL for failures worth retrying so scripts can loop on
// them.
func exitCode(retryable bool) int {
	if retryable {
		return 75
	}
	return 1
}

type filled struct {
	OrderID string `json:"order_id"`
	Maker   string `json:"maker"`
	Used    int64  `json:"used_amount"`
	Value   int64  `json:"value_amount"`
}

type report struct {
	TradeID   string   `json:"trade_id"`
	State     string   `json:"state"`
	TxID      string   `json:"txid,omitempty"`
	Fee       int64    `json:"fee"`
	Orders    []filled `json:"orders,omitempty"`
	Error     string   `json:"error,omitempty"`
	Code      int      `json:"code,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}
