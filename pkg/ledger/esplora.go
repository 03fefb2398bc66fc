package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

// Esplora talks to an Esplora REST endpoint.
type Esplora struct {
	baseURL string
	params  *chaincfg.Params
	client  *http.Client
	// FeeTarget is the confirmation target, in blocks, read from /fee-estimates.
	FeeTarget string
}

func NewEsplora(baseURL string, params *chaincfg.Params, timeout time.Duration) *Esplora {
	return &Esplora{
		baseURL:   strings.TrimRight(baseURL, "/"),
		params:    params,
		client:    &http.Client{Timeout: timeout},
		FeeTarget: "2",
	}
}

func (e *Esplora) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esplora %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("esplora %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("esplora %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (e *Esplora) getJSON(ctx context.Context, path string, v any) error {
	data, err := e.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("esplora %s: decode: %w", path, err)
	}
	return nil
}

func (e *Esplora) TipHeight(ctx context.Context) (int64, error) {
	data, err := e.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

type esploraStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type esploraUTXO struct {
	TxID   string        `json:"txid"`
	Vout   uint32        `json:"vout"`
	Value  int64         `json:"value"`
	Status esploraStatus `json:"status"`
}

func (e *Esplora) UTXOsFor(ctx context.Context, address string) ([]core.UnspentOutput, error) {
	addr, err := btcutil.DecodeAddress(address, e.params)
	if err != nil {
		return nil, swaperr.Wrap(swaperr.Validation, err, "decode address %s", address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, swaperr.Wrap(swaperr.Validation, err, "script for %s", address)
	}

	var raw []esploraUTXO
	if err := e.getJSON(ctx, "/address/"+address+"/utxo", &raw); err != nil {
		return nil, err
	}
	out := make([]core.UnspentOutput, 0, len(raw))
	for _, u := range raw {
		out = append(out, core.UnspentOutput{
			TxID:          u.TxID,
			Index:         u.Vout,
			Value:         u.Value,
			ScriptPubKey:  script,
			OwnerAddress:  address,
			IsSafeToSpend: u.Status.Confirmed,
		})
	}
	return out, nil
}

func (e *Esplora) TxStatus(ctx context.Context, txid string) (TxStatus, error) {
	var s esploraStatus
	if err := e.getJSON(ctx, "/tx/"+txid+"/status", &s); err != nil {
		return TxStatus{}, err
	}
	return TxStatus{Confirmed: s.Confirmed, BlockHeight: s.BlockHeight}, nil
}

func (e *Esplora) Outspend(ctx context.Context, txid string, vout uint32) (Outspend, error) {
	var s struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
	}
	if err := e.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout), &s); err != nil {
		return Outspend{}, err
	}
	return Outspend{Spent: s.Spent, TxID: s.TxID}, nil
}

func (e *Esplora) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	data, err := e.do(ctx, http.MethodPost, "/tx", strings.NewReader(hex.EncodeToString(rawTx)))
	if err != nil {
		return "", swaperr.Wrap(swaperr.BroadcastFailure, err, "broadcast")
	}
	return strings.TrimSpace(string(data)), nil
}

// FeeRate rounds the estimate for FeeTarget up to whole sats per vbyte.
func (e *Esplora) FeeRate(ctx context.Context) (int64, error) {
	var est map[string]decimal.Decimal
	if err := e.getJSON(ctx, "/fee-estimates", &est); err != nil {
		return 0, err
	}
	rate, ok := est[e.FeeTarget]
	if !ok {
		return 0, fmt.Errorf("esplora: no fee estimate for target %s", e.FeeTarget)
	}
	r := rate.Ceil().IntPart()
	if r < 1 {
		r = 1
	}
	return r, nil
}

var _ Ledger = (*Esplora)(nil)
