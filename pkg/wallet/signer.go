// Package wallet signs the inputs of a swap PSBT that belong to one key.
package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Signer signs and finalizes the listed inputs of a packet and nothing else.
type Signer interface {
	Address() string
	// PublicKey is the 33-byte compressed internal key.
	PublicKey() []byte
	PkScript() []byte
	Sign(p *psbt.Packet, indices []int) error
}

// KeySigner holds one secp256k1 key. Its address is the BIP86 key-path
// taproot address; outputs paying the key's P2WPKH script are signed too.
type KeySigner struct {
	priv       *btcec.PrivateKey
	addr       btcutil.Address
	script     []byte
	wpkhScript []byte
}

// NewKeySigner derives the signer for a raw 32-byte private key.
func NewKeySigner(key []byte, params *chaincfg.Params) (*KeySigner, error) {
	if len(key) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("wallet: private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(key))
	}
	priv, _ := btcec.PrivKeyFromBytes(key)

	tweaked := txscript.ComputeTaprootKeyNoScript(priv.PubKey())
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(tweaked), params)
	if err != nil {
		return nil, fmt.Errorf("wallet: taproot address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	wpkh, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), params)
	if err != nil {
		return nil, fmt.Errorf("wallet: p2wpkh address: %w", err)
	}
	wpkhScript, err := txscript.PayToAddrScript(wpkh)
	if err != nil {
		return nil, err
	}
	return &KeySigner{priv: priv, addr: addr, script: script, wpkhScript: wpkhScript}, nil
}

func (k *KeySigner) Address() string   { return k.addr.EncodeAddress() }
func (k *KeySigner) PublicKey() []byte { return k.priv.PubKey().SerializeCompressed() }
func (k *KeySigner) PkScript() []byte  { return k.script }

// Owns reports whether script pays this key.
func (k *KeySigner) Owns(script []byte) bool {
	return bytes.Equal(script, k.script) || bytes.Equal(script, k.wpkhScript)
}

// Sign signs and finalizes each listed input. Every input of the packet
// must carry its WitnessUtxo since taproot sighashes commit to all of them.
func (k *KeySigner) Sign(p *psbt.Packet, indices []int) error {
	tx := p.UnsignedTx
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range p.Inputs {
		if in.WitnessUtxo == nil {
			return fmt.Errorf("wallet: input %d has no witness utxo", i)
		}
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for _, idx := range indices {
		if idx < 0 || idx >= len(p.Inputs) {
			return fmt.Errorf("wallet: input %d out of range", idx)
		}
		in := &p.Inputs[idx]
		prev := in.WitnessUtxo
		if !k.Owns(prev.PkScript) {
			return fmt.Errorf("wallet: input %d does not pay %s", idx, k.Address())
		}

		switch txscript.GetScriptClass(prev.PkScript) {
		case txscript.WitnessV1TaprootTy:
			sig, err := txscript.RawTxInTaprootSignature(
				tx, sigHashes, idx, prev.Value, prev.PkScript, nil, txscript.SigHashDefault, k.priv,
			)
			if err != nil {
				return fmt.Errorf("wallet: sign input %d: %w", idx, err)
			}
			in.TaprootKeySpendSig = sig
		case txscript.WitnessV0PubKeyHashTy:
			sig, err := txscript.RawTxInWitnessSignature(
				tx, sigHashes, idx, prev.Value, prev.PkScript, txscript.SigHashAll, k.priv,
			)
			if err != nil {
				return fmt.Errorf("wallet: sign input %d: %w", idx, err)
			}
			in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
				PubKey:    k.PublicKey(),
				Signature: sig,
			})
		default:
			return fmt.Errorf("wallet: input %d: unsupported script", idx)
		}

		if err := psbt.Finalize(p, idx); err != nil {
			return fmt.Errorf("wallet: finalize input %d: %w", idx, err)
		}
	}
	return nil
}

// XOnly converts a compressed public key into the 32-byte form PSBTs carry
// as the taproot internal key.
func XOnly(compressed []byte) ([]byte, error) {
	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return nil, err
	}
	return schnorr.SerializePubKey(pub), nil
}

var _ Signer = (*KeySigner)(nil)
