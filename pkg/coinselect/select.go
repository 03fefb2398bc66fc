// Package coinselect picks funding outputs with a bounded branch-and-bound
// search over include/exclude decisions.
package coinselect

import (
	"sort"

	"github.com/uhyunpark/runeswap/pkg/core"
)

const (
	// MaxIterations bounds the search so it always terminates.
	MaxIterations = 10_000_000
	// InputVBytes is the per-input size used to approximate fees.
	InputVBytes = 148
	// MaxFee rejects solutions whose approximate fee reaches this value.
	MaxFee = 30_000
)

// Result is the best selection found. A zero Result means nothing qualified.
type Result struct {
	Selected   []core.UnspentOutput
	TotalValue int64
	Change     int64
	Cost       int64
}

type frame struct {
	depth   int
	total   int64
	count   int
	include bool
}

// SelectUTXOs returns the subset of candidates that covers target plus an
// approximate fee with the least change. Only safe outputs worth more than
// their own spend cost are considered.
func SelectUTXOs(candidates []core.UnspentOutput, target, feeRate int64) Result {
	perInput := feeRate * InputVBytes
	pool := make([]core.UnspentOutput, 0, len(candidates))
	for _, c := range candidates {
		if c.IsSafeToSpend && c.Value > perInput {
			pool = append(pool, c)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Value > pool[j].Value })

	n := len(pool)
	suffix := make([]int64, n+1)
	for i := n - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + pool[i].Value
	}

	var (
		best  Result
		found bool
		path  = make([]bool, n)
		stack = []frame{{}}
	)
	for iter := 0; len(stack) > 0 && iter < MaxIterations; iter++ {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth > 0 {
			path[f.depth-1] = f.include
		}

		fee := perInput * int64(f.count)
		if f.count > 0 && f.total-fee >= target && fee < MaxFee {
			change := f.total - target - fee
			if !found || change < best.Change {
				found = true
				best = Result{TotalValue: f.total, Change: change, Cost: fee}
				best.Selected = best.Selected[:0]
				for i := 0; i < f.depth; i++ {
					if path[i] {
						best.Selected = append(best.Selected, pool[i])
					}
				}
			}
			continue
		}
		if f.depth == n || f.total+suffix[f.depth]-fee < target {
			continue
		}
		stack = append(stack,
			frame{depth: f.depth + 1, total: f.total, count: f.count, include: false},
			frame{depth: f.depth + 1, total: f.total + pool[f.depth].Value, count: f.count + 1, include: true},
		)
	}
	return best
}
