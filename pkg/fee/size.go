package fee

import (
	"github.com/btcsuite/btcd/txscript"
)

// SpendPath is how an input's witness is constructed.
type SpendPath int

const (
	KeyPath SpendPath = iota
	ScriptPath
	Nested
)

// Spend describes the witness cost of one input.
type Spend struct {
	Path            SpendPath
	SigCount        int
	ScriptLen       int // tapscript or witness script length
	ControlBlockLen int // script path only
}

const (
	txOverhead     = 10 // version, locktime, in/out counts
	inputBytes     = 41 // outpoint, empty scriptSig, sequence
	outputOverhead = 9  // value, script length
	segwitMarker   = 2

	// p2shWitnessScriptLen is the redeem script length assumed for nested spends.
	p2shWitnessScriptLen = 22
)

// WitnessBytes is the witness cost of one input.
func (s Spend) WitnessBytes() int64 {
	switch s.Path {
	case ScriptPath:
		return int64(1 + s.SigCount*64 + s.ScriptLen + s.ControlBlockLen)
	case Nested:
		return int64(1 + 32 + s.SigCount*73 + 1 + s.ScriptLen)
	default:
		return int64(s.SigCount * 140)
	}
}

// TransactionSize returns the virtual size in vbytes for the given inputs and
// output script lengths. The result is ceil(weight/4)+1.
func TransactionSize(inputs []Spend, outputScriptLens []int) int64 {
	base := int64(txOverhead + inputBytes*len(inputs))
	for _, l := range outputScriptLens {
		base += int64(outputOverhead + l)
	}
	weight := base*4 + segwitMarker
	for _, in := range inputs {
		weight += in.WitnessBytes()
	}
	return (weight+3)/4 + 1
}

// SpendForScript infers the spend path of an output from its script.
// Taproot and native segwit outputs are treated as single-signature key
// spends; P2SH is assumed to wrap a P2WPKH program.
func SpendForScript(pkScript []byte) Spend {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.ScriptHashTy:
		return Spend{Path: Nested, SigCount: 1, ScriptLen: p2shWitnessScriptLen}
	default:
		return Spend{Path: KeyPath, SigCount: 1}
	}
}
