package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the secp256k1 key a node uses on the message bus.
// Its channel key is the hex-encoded compressed public key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	channelKey string
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key.
// Format: "0x1234..." or "1234..." (64 hex chars)
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(priv *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: priv,
		channelKey: hex.EncodeToString(crypto.CompressPubkey(&priv.PublicKey)),
	}
}

// ChannelKey is the address other nodes publish to.
func (s *Signer) ChannelKey() string { return s.channelKey }

// PrivateKeyBytes returns the raw 32-byte scalar.
// WARNING: Keep this secret! Never expose to users or logs
func (s *Signer) PrivateKeyBytes() []byte { return crypto.FromECDSA(s.privateKey) }

// PrivateKeyHex is PrivateKeyBytes hex-encoded, the NODE_KEY format.
func (s *Signer) PrivateKeyHex() string { return hex.EncodeToString(s.PrivateKeyBytes()) }

// Sign signs a 32-byte hash and returns a 65-byte [R || S || V] signature.
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// Digest hashes the given parts with Keccak256.
func Digest(parts ...[]byte) []byte { return crypto.Keccak256(parts...) }

// RecoverChannelKey returns the channel key that produced signature over hash.
func RecoverChannelKey(hash, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return "", fmt.Errorf("invalid hash length: %d", len(hash))
	}
	pub, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return hex.EncodeToString(crypto.CompressPubkey(pub)), nil
}

// VerifySignature reports whether signature over hash was made by channelKey.
func VerifySignature(channelKey string, hash, signature []byte) bool {
	got, err := RecoverChannelKey(hash, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(got, channelKey)
}
