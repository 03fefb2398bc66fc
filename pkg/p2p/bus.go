package p2p

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/runeswap/pkg/crypto"
	"github.com/uhyunpark/runeswap/pkg/util"
)

// ErrTimeout is returned by Subscription.Wait when no message arrived in time.
var ErrTimeout = errors.New("subscription timed out")

// ErrCanceled is returned by Subscription.Wait after Cancel.
var ErrCanceled = errors.New("subscription canceled")

// Transport moves opaque payloads between channel keys.
type Transport interface {
	// Publish delivers payload to whoever listens on key. Delivery is best
	// effort: publishing to a key nobody listens on is not an error.
	Publish(ctx context.Context, key string, payload []byte) error
	// Listen starts delivering payloads addressed to key until ctx ends.
	Listen(ctx context.Context, key string, deliver func([]byte)) error
	Close() error
}

// Filter selects the envelope a one-shot subscription waits for.
type Filter func(Envelope) bool

// Handler receives envelopes no subscription claimed.
type Handler func(ctx context.Context, env Envelope)

// Subscription is a one-shot future resolved by the first matching envelope.
type Subscription struct {
	filter Filter
	ch     chan Envelope
	done   chan struct{}
	once   sync.Once
	remove func(*Subscription)
}

// Wait blocks for the envelope. The timeout is measured on clock, real time
// when nil; a non-positive timeout waits indefinitely. The subscription is
// removed from the bus on every return path.
func (s *Subscription) Wait(ctx context.Context, clock util.Clock, timeout time.Duration) (Envelope, error) {
	defer s.Cancel()
	var expired <-chan time.Time
	if timeout > 0 {
		expired = util.OrReal(clock).After(timeout)
	}
	select {
	case env := <-s.ch:
		return env, nil
	case <-s.done:
		// a resolve may have raced the cancel
		select {
		case env := <-s.ch:
			return env, nil
		default:
			return Envelope{}, ErrCanceled
		}
	case <-expired:
		return Envelope{}, ErrTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.remove(s)
		close(s.done)
	})
}

// Bus signs outgoing envelopes, verifies incoming ones and routes them to
// waiting subscriptions or the handler.
type Bus struct {
	signer *crypto.Signer
	tr     Transport
	log    *zap.SugaredLogger

	mu      sync.Mutex
	subs    []*Subscription
	handler Handler
}

// NewBus starts listening on signer's channel key.
func NewBus(ctx context.Context, signer *crypto.Signer, tr Transport, log *zap.SugaredLogger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &Bus{signer: signer, tr: tr, log: log}
	if err := tr.Listen(ctx, signer.ChannelKey(), func(p []byte) { b.deliver(ctx, p) }); err != nil {
		return nil, err
	}
	return b, nil
}

// Key is this node's channel key.
func (b *Bus) Key() string { return b.signer.ChannelKey() }

// Publish seals data as msgType and sends it to the node listening on to.
func (b *Bus) Publish(ctx context.Context, to, msgType string, data []byte) error {
	env, err := Seal(b.signer, msgType, data)
	if err != nil {
		return err
	}
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.tr.Publish(ctx, to, payload)
}

// SubscribeOnce registers a future for the next envelope matching filter.
// Subscribe before publishing the request it answers.
func (b *Bus) SubscribeOnce(filter Filter) *Subscription {
	s := &Subscription{
		filter: filter,
		ch:     make(chan Envelope, 1),
		done:   make(chan struct{}),
		remove: b.unsubscribe,
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

// SetHandler installs the handler for unsolicited envelopes.
func (b *Bus) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Bus) Close() error { return b.tr.Close() }

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.subs {
		if x == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, payload []byte) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		b.log.Warnw("envelope_decode_failed", "err", err)
		return
	}
	if err := env.Verify(); err != nil {
		b.log.Warnw("envelope_rejected", "type", env.Type, "from", env.From, "err", err)
		return
	}

	b.mu.Lock()
	for i, s := range b.subs {
		if s.filter(env) {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			b.mu.Unlock()
			s.ch <- env
			return
		}
	}
	h := b.handler
	b.mu.Unlock()

	if h == nil {
		b.log.Debugw("envelope_unhandled", "type", env.Type, "from", env.From)
		return
	}
	h(ctx, env)
}
