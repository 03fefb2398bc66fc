package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/uhyunpark/runeswap/pkg/crypto"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisNetCarriesEnvelopes(t *testing.T) {
	addr := startRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newRedisBus := func() *Bus {
		tr, err := NewRedisNet(ctx, RedisConfig{Addr: addr})
		require.NoError(t, err)
		signer, err := crypto.GenerateKey()
		require.NoError(t, err)
		b, err := NewBus(ctx, signer, tr, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	a, b := newRedisBus(), newRedisBus()

	sub := b.SubscribeOnce(ofType("pong"))
	require.NoError(t, a.Publish(ctx, b.Key(), "pong", json.RawMessage(`{"nonce":"r1"}`)))
	env, err := sub.Wait(ctx, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.Key(), env.From)
	assert.JSONEq(t, `{"nonce":"r1"}`, string(env.Data))
}

func TestRedisNetRejectsUnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisNet(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
