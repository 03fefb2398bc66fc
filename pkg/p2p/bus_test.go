package p2p

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/runeswap/pkg/crypto"
	"github.com/uhyunpark/runeswap/pkg/util"
)

func newBus(t *testing.T, ctx context.Context, net *MemoryNetwork) *Bus {
	t.Helper()
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	b, err := NewBus(ctx, signer, net.Transport(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func ofType(typ string) Filter {
	return func(e Envelope) bool { return e.Type == typ }
}

func TestSubscriptionReceivesMatchingEnvelope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork()
	a, b := newBus(t, ctx, net), newBus(t, ctx, net)

	sub := b.SubscribeOnce(ofType("pong"))
	require.NoError(t, a.Publish(ctx, b.Key(), "pong", json.RawMessage(`{"nonce":"n1"}`)))

	env, err := sub.Wait(ctx, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", env.Type)
	assert.Equal(t, a.Key(), env.From)
	assert.JSONEq(t, `{"nonce":"n1"}`, string(env.Data))
}

func TestUnclaimedEnvelopeGoesToHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork()
	a, b := newBus(t, ctx, net), newBus(t, ctx, net)

	got := make(chan Envelope, 1)
	b.SetHandler(func(_ context.Context, env Envelope) { got <- env })
	_ = b.SubscribeOnce(ofType("pong"))

	require.NoError(t, a.Publish(ctx, b.Key(), "ping", json.RawMessage(`{}`)))
	select {
	case env := <-got:
		assert.Equal(t, "ping", env.Type)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestSubscriptionTimeoutAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newBus(t, ctx, NewMemoryNetwork())

	sub := b.SubscribeOnce(ofType("pong"))
	_, err := sub.Wait(ctx, nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	sub = b.SubscribeOnce(ofType("pong"))
	sub.Cancel()
	sub.Cancel()
	_, err = sub.Wait(ctx, nil, 0)
	assert.ErrorIs(t, err, ErrCanceled)

	b.mu.Lock()
	assert.Empty(t, b.subs)
	b.mu.Unlock()
}

func TestSubscriptionTimeoutFollowsClock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newBus(t, ctx, NewMemoryNetwork())
	clock := util.NewHeldClock(time.Unix(0, 0))

	sub := b.SubscribeOnce(ofType("pong"))
	done := make(chan error, 1)
	go func() {
		_, err := sub.Wait(ctx, clock, 20*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("returned before the clock moved: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(20 * time.Second)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestForgedEnvelopeIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork()
	b := newBus(t, ctx, net)
	mallory, _ := crypto.GenerateKey()
	victim, _ := crypto.GenerateKey()

	env, err := Seal(mallory, "pong", json.RawMessage(`{}`))
	require.NoError(t, err)
	env.From = victim.ChannelKey()
	payload, err := encodeEnvelope(env)
	require.NoError(t, err)

	sub := b.SubscribeOnce(ofType("pong"))
	require.NoError(t, net.Transport().Publish(ctx, b.Key(), payload))
	_, err = sub.Wait(ctx, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPublishToUnknownKeyIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newBus(t, ctx, NewMemoryNetwork())
	assert.NoError(t, a.Publish(ctx, "02deadbeef", "ping", json.RawMessage(`{}`)))
}
