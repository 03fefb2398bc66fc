package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/runeswap/pkg/crypto"
)

// Envelope is what travels on the bus. Data is the message body for Type;
// From is the sender's channel key and Sig its signature over Digest.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	From string          `json:"from"`
	Sig  []byte          `json:"sig,omitempty"`
}

// Digest is Keccak256(type || data || from).
func (e *Envelope) Digest() []byte {
	return crypto.Digest([]byte(e.Type), e.Data, []byte(e.From))
}

// Seal stamps the envelope with signer's key and signature.
func Seal(signer *crypto.Signer, msgType string, data []byte) (Envelope, error) {
	env := Envelope{Type: msgType, Data: data, From: signer.ChannelKey()}
	sig, err := signer.Sign(env.Digest())
	if err != nil {
		return Envelope{}, err
	}
	env.Sig = sig
	return env, nil
}

// Verify checks that Sig was produced by the key named in From.
func (e *Envelope) Verify() error {
	if !crypto.VerifySignature(e.From, e.Digest(), e.Sig) {
		return fmt.Errorf("envelope %s: bad signature from %s", e.Type, e.From)
	}
	return nil
}

func encodeEnvelope(e Envelope) ([]byte, error) { return json.Marshal(e) }

func decodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
