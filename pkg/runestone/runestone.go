// Package runestone encodes and decodes the OP_RETURN transfer block that
// moves rune balances between transaction outputs.
package runestone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/txscript"

	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

const (
	tagBody    = 0
	tagPointer = 22

	maxPush = 520
)

var ErrNotRunestone = errors.New("script is not a runestone")

// RuneID identifies a rune by its etching block and transaction index.
type RuneID struct {
	Block uint64
	Tx    uint32
}

// ParseRuneID parses "block:tx".
func ParseRuneID(s string) (RuneID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return RuneID{}, swaperr.New(swaperr.Validation, "malformed rune id %q", s)
	}
	block, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return RuneID{}, swaperr.Wrap(swaperr.Validation, err, "malformed rune id %q", s)
	}
	tx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return RuneID{}, swaperr.Wrap(swaperr.Validation, err, "malformed rune id %q", s)
	}
	return RuneID{Block: block, Tx: uint32(tx)}, nil
}

func (id RuneID) String() string { return fmt.Sprintf("%d:%d", id.Block, id.Tx) }

func (id RuneID) less(o RuneID) bool {
	if id.Block != o.Block {
		return id.Block < o.Block
	}
	return id.Tx < o.Tx
}

// Edict moves Amount of rune ID to output Output.
type Edict struct {
	ID     RuneID
	Amount uint64
	Output uint32
}

// Runestone is the transfer block of one transaction. Pointer names the
// output that receives unallocated balances.
type Runestone struct {
	Edicts  []Edict
	Pointer *uint32
}

// Encipher builds the output script: OP_RETURN OP_13 followed by the
// LEB128 payload split into pushes of at most 520 bytes.
func (r Runestone) Encipher() []byte {
	var payload []byte
	if r.Pointer != nil {
		payload = appendVarint(payload, tagPointer)
		payload = appendVarint(payload, uint64(*r.Pointer))
	}
	if len(r.Edicts) > 0 {
		edicts := append([]Edict(nil), r.Edicts...)
		sort.SliceStable(edicts, func(i, j int) bool { return edicts[i].ID.less(edicts[j].ID) })

		payload = appendVarint(payload, tagBody)
		var prev RuneID
		for _, e := range edicts {
			blockDelta := e.ID.Block - prev.Block
			txDelta := uint64(e.ID.Tx)
			if blockDelta == 0 {
				txDelta = uint64(e.ID.Tx - prev.Tx)
			}
			payload = appendVarint(payload, blockDelta)
			payload = appendVarint(payload, txDelta)
			payload = appendVarint(payload, e.Amount)
			payload = appendVarint(payload, uint64(e.Output))
			prev = e.ID
		}
	}

	script := []byte{txscript.OP_RETURN, txscript.OP_13}
	for len(payload) > 0 {
		n := min(len(payload), maxPush)
		script = appendPush(script, payload[:n])
		payload = payload[n:]
	}
	return script
}

// appendPush writes a data push without minimal-encoding substitution, so a
// single small byte stays a data push instead of becoming OP_N.
func appendPush(script, data []byte) []byte {
	n := len(data)
	switch {
	case n <= txscript.OP_DATA_75:
		script = append(script, byte(n))
	case n <= 0xff:
		script = append(script, txscript.OP_PUSHDATA1, byte(n))
	default:
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(n))
		script = append(script, txscript.OP_PUSHDATA2, l[0], l[1])
	}
	return append(script, data...)
}

// Decipher parses a runestone script produced by Encipher.
func Decipher(script []byte) (Runestone, error) {
	tok := txscript.MakeScriptTokenizer(0, script)
	if !tok.Next() || tok.Opcode() != txscript.OP_RETURN {
		return Runestone{}, ErrNotRunestone
	}
	if !tok.Next() || tok.Opcode() != txscript.OP_13 {
		return Runestone{}, ErrNotRunestone
	}
	var payload []byte
	for tok.Next() {
		if tok.Opcode() > txscript.OP_PUSHDATA4 {
			return Runestone{}, fmt.Errorf("runestone: non-push opcode 0x%02x", tok.Opcode())
		}
		payload = append(payload, tok.Data()...)
	}
	if err := tok.Err(); err != nil {
		return Runestone{}, fmt.Errorf("runestone: %w", err)
	}

	ints, err := readVarints(payload)
	if err != nil {
		return Runestone{}, err
	}

	var r Runestone
	i := 0
	for i < len(ints) {
		tag := ints[i]
		if tag == tagBody {
			i++
			break
		}
		if i+1 >= len(ints) {
			return Runestone{}, fmt.Errorf("runestone: tag %d without value", tag)
		}
		if tag == tagPointer {
			p := uint32(ints[i+1])
			r.Pointer = &p
		}
		i += 2
	}

	body := ints[i:]
	if len(body)%4 != 0 {
		return Runestone{}, fmt.Errorf("runestone: truncated edict")
	}
	var prev RuneID
	for j := 0; j < len(body); j += 4 {
		id := RuneID{Block: prev.Block + body[j]}
		if body[j] == 0 {
			id.Tx = prev.Tx + uint32(body[j+1])
		} else {
			id.Tx = uint32(body[j+1])
		}
		r.Edicts = append(r.Edicts, Edict{ID: id, Amount: body[j+2], Output: uint32(body[j+3])})
		prev = id
	}
	return r, nil
}

// IsRunestone reports whether script starts with OP_RETURN OP_13.
func IsRunestone(script []byte) bool {
	return len(script) >= 2 && script[0] == txscript.OP_RETURN && script[1] == txscript.OP_13
}

func appendVarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

func readVarints(b []byte) ([]uint64, error) {
	var out []uint64
	for len(b) > 0 {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, fmt.Errorf("runestone: bad varint")
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}
