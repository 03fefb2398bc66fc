package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/uhyunpark/runeswap/pkg/core"
	"github.com/uhyunpark/runeswap/pkg/runestone"
)

// RuneIndexer reads rune balances from an ord-style JSON API whose output
// records key rune balances by rune id.
type RuneIndexer struct {
	baseURL string
	client  *http.Client
}

func NewRuneIndexer(baseURL string, timeout time.Duration) *RuneIndexer {
	return &RuneIndexer{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

func (r *RuneIndexer) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("indexer %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer %s %s: status %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func (r *RuneIndexer) IndexedHeight(ctx context.Context) (int64, error) {
	data, err := r.do(ctx, http.MethodGet, "/blockheight", nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (r *RuneIndexer) TickerInfo(ctx context.Context, assetID string) (core.TickerInfo, error) {
	if _, err := runestone.ParseRuneID(assetID); err != nil {
		return core.TickerInfo{}, err
	}
	data, err := r.do(ctx, http.MethodGet, "/rune/"+assetID, nil)
	if err != nil {
		return core.TickerInfo{}, err
	}
	var resp struct {
		Entry struct {
			Divisibility int32  `json:"divisibility"`
			SpacedRune   string `json:"spaced_rune"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.TickerInfo{}, fmt.Errorf("indexer rune %s: decode: %w", assetID, err)
	}
	return core.TickerInfo{AssetID: assetID, Decimals: resp.Entry.Divisibility, DisplayName: resp.Entry.SpacedRune}, nil
}

type indexedOutput struct {
	Outpoint     string `json:"outpoint"`
	Value        int64  `json:"value"`
	ScriptPubKey string `json:"script_pubkey"`
	Address      string `json:"address"`
	Spent        bool   `json:"spent"`
	Runes        map[string]struct {
		Amount json.Number `json:"amount"`
	} `json:"runes"`
}

func (o indexedOutput) balances() (map[string]int64, error) {
	out := make(map[string]int64, len(o.Runes))
	for id, r := range o.Runes {
		amt, err := strconv.ParseInt(r.Amount.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("output %s rune %s: amount %s: %w", o.Outpoint, id, r.Amount, err)
		}
		out[id] = amt
	}
	return out, nil
}

func (r *RuneIndexer) outputs(ctx context.Context, method, path string, body []byte) ([]indexedOutput, error) {
	data, err := r.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var outs []indexedOutput
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&outs); err != nil {
		return nil, fmt.Errorf("indexer %s: decode: %w", path, err)
	}
	return outs, nil
}

func (r *RuneIndexer) BalancesForOutputs(ctx context.Context, locations []string) (map[string]map[string]int64, error) {
	result := make(map[string]map[string]int64, len(locations))
	if len(locations) == 0 {
		return result, nil
	}
	body, err := json.Marshal(locations)
	if err != nil {
		return nil, err
	}
	outs, err := r.outputs(ctx, http.MethodPost, "/outputs", body)
	if err != nil {
		return nil, err
	}
	for _, o := range outs {
		b, err := o.balances()
		if err != nil {
			return nil, err
		}
		result[o.Outpoint] = b
	}
	return result, nil
}

func (r *RuneIndexer) BalancesForAddress(ctx context.Context, address string) ([]core.UnspentOutput, error) {
	outs, err := r.outputs(ctx, http.MethodGet, "/outputs/"+address+"?type=runic", nil)
	if err != nil {
		return nil, err
	}
	result := make([]core.UnspentOutput, 0, len(outs))
	for _, o := range outs {
		if o.Spent {
			continue
		}
		op, err := core.ParseOutpoint(o.Outpoint)
		if err != nil {
			return nil, err
		}
		script, err := hex.DecodeString(o.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("output %s: script: %w", o.Outpoint, err)
		}
		b, err := o.balances()
		if err != nil {
			return nil, err
		}
		result = append(result, core.UnspentOutput{
			TxID:          op.Hash.String(),
			Index:         op.Index,
			Value:         o.Value,
			ScriptPubKey:  script,
			OwnerAddress:  address,
			AssetBalances: b,
			IsSafeToSpend: true,
		})
	}
	return result, nil
}

var _ Assets = (*RuneIndexer)(nil)
