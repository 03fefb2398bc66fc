package crypto

import (
	"encoding/hex"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	// Compressed pubkey: 33 bytes, 66 hex chars, 02/03 prefix
	key := signer.ChannelKey()
	if len(key) != 66 {
		t.Errorf("channel key length = %d, want 66", len(key))
	}
	if key[:2] != "02" && key[:2] != "03" {
		t.Errorf("channel key prefix = %s, want 02 or 03", key[:2])
	}
	if len(signer.PrivateKeyBytes()) != 32 {
		t.Errorf("private key length = %d, want 32", len(signer.PrivateKeyBytes()))
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := hex.EncodeToString(signer1.PrivateKeyBytes())

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key: %v", err)
		}
		if signer2.ChannelKey() != signer1.ChannelKey() {
			t.Errorf("channel key = %s, want %s", signer2.ChannelKey(), signer1.ChannelKey())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	other, _ := GenerateKey()

	hash := Digest([]byte("reserve_request"), []byte(`{"trade_id":"t1"}`))
	signature, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Errorf("signature length = %d, want 65", len(signature))
	}

	got, err := RecoverChannelKey(hash, signature)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != signer.ChannelKey() {
		t.Errorf("recovered %s, want %s", got, signer.ChannelKey())
	}
	if !VerifySignature(signer.ChannelKey(), hash, signature) {
		t.Error("signature verification failed")
	}
	if VerifySignature(other.ChannelKey(), hash, signature) {
		t.Error("signature verified for wrong key")
	}

	tampered := Digest([]byte("reserve_request"), []byte(`{"trade_id":"t2"}`))
	if VerifySignature(signer.ChannelKey(), tampered, signature) {
		t.Error("signature verified over tampered digest")
	}
}

func TestSignRejectsBadHash(t *testing.T) {
	signer, _ := GenerateKey()
	if _, err := signer.Sign([]byte("short")); err == nil {
		t.Error("expected error for non-32-byte hash")
	}
}
