package node

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/runeswap/params"
	"github.com/uhyunpark/runeswap/pkg/crypto"
)

func testConfig(t *testing.T) params.Config {
	t.Helper()
	cfg, err := params.Load("")
	require.NoError(t, err)
	cfg.Bus.Backend = "memory"
	cfg.Store.PebblePath = filepath.Join(t.TempDir(), "book")
	return cfg
}

func TestOpenWiresOneIdentity(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg := testConfig(t)
	cfg.NodeKey = key.PrivateKeyHex()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, key.ChannelKey(), n.Bus.Key())
	assert.Equal(t, key.ChannelKey(), n.PublicKeyHex(), "bus identity and wallet share the key")
	assert.Equal(t, "regtest", n.Net.Name)

	tk, err := n.NewTaker()
	require.NoError(t, err)
	assert.Equal(t, key.ChannelKey(), tk.Matcher.SelfKey)
	assert.True(t, tk.Matcher.PingFirst)
	assert.Equal(t, cfg.Ledger.SyncDelay, tk.SyncDelay)

	rec := n.NewReconciler()
	assert.Equal(t, key.ChannelKey(), rec.MakerKey)
	assert.Equal(t, cfg.Reconciler.Grace, rec.Config.Grace)

	assert.NotNil(t, n.NewMaker())
}

func TestOpenGeneratesKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := Open(ctx, testConfig(t), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, n.Key.ChannelKey())
	require.NoError(t, n.Close())
}

func TestOpenRejectsBadKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.NodeKey = "zz"
	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewTakerRejectsBadProtocolAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fees.ProtocolAddress = "bc1-not-regtest"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer n.Close()
	_, err = n.NewTaker()
	assert.Error(t, err)
}
