package protocol

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/runeswap/pkg/p2p"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
	"github.com/uhyunpark/runeswap/pkg/util"
)

// Bus is the part of p2p.Bus the protocol needs.
type Bus interface {
	Key() string
	Publish(ctx context.Context, to, msgType string, data []byte) error
	SubscribeOnce(filter p2p.Filter) *p2p.Subscription
}

// Options are the handshake timings. A zero SignTimeout waits forever.
type Options struct {
	ReserveTimeout time.Duration
	PingTimeout    time.Duration
	SignTimeout    time.Duration
	// SubscribeDelay is slept between subscribing and publishing so the
	// subscription is live before the reply can arrive.
	SubscribeDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReserveTimeout: 20 * time.Second,
		PingTimeout:    2 * time.Second,
		SubscribeDelay: time.Second,
	}
}

// Negotiator is the taker side of the handshake.
type Negotiator struct {
	Bus    Bus
	Opts   Options
	Clock  util.Clock
	Logger *zap.SugaredLogger
}

func NewNegotiator(bus Bus, opts Options, clock util.Clock, log *zap.SugaredLogger) *Negotiator {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Negotiator{Bus: bus, Opts: opts, Clock: clock, Logger: log}
}

// replyFilter matches a decoded reply of the given type from one peer.
func replyFilter(from, msgType string, match func(Message) bool) p2p.Filter {
	return func(env p2p.Envelope) bool {
		if env.From != from || env.Type != msgType {
			return false
		}
		m, err := Decode(env)
		return err == nil && match(m)
	}
}

// request subscribes for the reply, waits SubscribeDelay, publishes m to
// peer and waits up to timeout for the reply.
func (n *Negotiator) request(ctx context.Context, peer string, m Message, reply p2p.Filter, timeout time.Duration) (Message, error) {
	sub := n.Bus.SubscribeOnce(reply)
	defer sub.Cancel()

	if n.Opts.SubscribeDelay > 0 {
		select {
		case <-n.Clock.After(n.Opts.SubscribeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	msgType, data, err := Encode(m)
	if err != nil {
		return nil, err
	}
	if err := n.Bus.Publish(ctx, peer, msgType, data); err != nil {
		return nil, err
	}
	env, err := sub.Wait(ctx, n.Clock, timeout)
	if err != nil {
		return nil, err
	}
	return Decode(env)
}

// Reserve asks maker to reserve the listed order amounts under tradeID.
// Timeouts and declines are RemoteReservation errors. Only the reply to this
// request is accepted; a late answer to an earlier request of the same trade
// is ignored.
func (n *Negotiator) Reserve(ctx context.Context, maker string, req ReserveRequest) error {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	filter := replyFilter(maker, TypeReserveResponse, func(m Message) bool {
		r, ok := m.(ReserveResponse)
		return ok && r.TradeID == req.TradeID && r.RequestID == req.RequestID
	})
	n.Logger.Debugw("reserve_sent", "trade_id", req.TradeID, "request_id", req.RequestID, "maker", maker, "orders", len(req.Orders))

	m, err := n.request(ctx, maker, req, filter, n.Opts.ReserveTimeout)
	if err != nil {
		if errors.Is(err, p2p.ErrTimeout) {
			n.Logger.Warnw("reserve_timeout", "trade_id", req.TradeID, "maker", maker)
			return swaperr.Wrap(swaperr.RemoteReservation, err, "maker %s did not answer reserve within %s", short(maker), n.Opts.ReserveTimeout)
		}
		if ctx.Err() != nil {
			return err
		}
		return swaperr.Wrap(swaperr.RemoteReservation, err, "reserve with maker %s", short(maker))
	}
	resp := m.(ReserveResponse)
	if resp.Status != StatusSuccess {
		return swaperr.New(swaperr.RemoteReservation, "maker %s declined reserve: %s", short(maker), resp.Error)
	}
	n.Logger.Infow("reserve_ok", "trade_id", req.TradeID, "maker", maker)
	return nil
}

// Ping checks that maker answers within PingTimeout.
func (n *Negotiator) Ping(ctx context.Context, maker string) error {
	nonce := uuid.NewString()
	filter := replyFilter(maker, TypePong, func(m Message) bool {
		p, ok := m.(Pong)
		return ok && p.Nonce == nonce
	})
	if _, err := n.request(ctx, maker, Ping{Nonce: nonce}, filter, n.Opts.PingTimeout); err != nil {
		n.Logger.Debugw("ping_failed", "maker", maker, "err", err)
		return swaperr.Wrap(swaperr.RemoteReservation, err, "maker %s unreachable", short(maker))
	}
	return nil
}

// CollectSignatures sends p to every maker in signers (channel key to the
// input indices that maker owns) in parallel and merges the finalized
// inputs they return into p.
func (n *Negotiator) CollectSignatures(ctx context.Context, tradeID string, p *psbt.Packet, signers map[string][]int) error {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return swaperr.Wrap(swaperr.Internal, err, "serialize psbt")
	}
	raw := buf.Bytes()
	txHash := p.UnsignedTx.TxHash()

	makers := make([]string, 0, len(signers))
	for k := range signers {
		makers = append(makers, k)
	}
	sort.Strings(makers)

	signed := make([]*psbt.Packet, len(makers))
	g, gctx := errgroup.WithContext(ctx)
	for i, maker := range makers {
		g.Go(func() error {
			filter := replyFilter(maker, TypeSignResponse, func(m Message) bool {
				r, ok := m.(SignResponse)
				return ok && r.TradeID == tradeID
			})
			req := SignRequest{TradeID: tradeID, PSBT: raw, InputsToSign: signers[maker]}
			n.Logger.Infow("sign_sent", "trade_id", tradeID, "maker", maker, "inputs", req.InputsToSign)

			m, err := n.request(gctx, maker, req, filter, n.Opts.SignTimeout)
			if err != nil {
				return swaperr.Wrap(swaperr.RemoteSign, err, "sign with maker %s", short(maker))
			}
			resp := m.(SignResponse)
			if resp.Status != StatusSuccess {
				return swaperr.New(swaperr.RemoteSign, "maker %s refused to sign: %s", short(maker), resp.Error)
			}
			sp, err := psbt.NewFromRawBytes(bytes.NewReader(resp.SignedPSBT), false)
			if err != nil {
				return swaperr.Wrap(swaperr.RemoteSign, err, "maker %s returned bad psbt", short(maker))
			}
			if sp.UnsignedTx.TxHash() != txHash {
				return swaperr.New(swaperr.RemoteSign, "maker %s changed the transaction", short(maker))
			}
			signed[i] = sp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, maker := range makers {
		for _, idx := range signers[maker] {
			in := signed[i].Inputs[idx]
			if len(in.FinalScriptWitness) == 0 && len(in.FinalScriptSig) == 0 {
				return swaperr.New(swaperr.RemoteSign, "maker %s left input %d unsigned", short(maker), idx)
			}
			p.Inputs[idx] = in
		}
	}
	n.Logger.Infow("signatures_collected", "trade_id", tradeID, "makers", len(makers))
	return nil
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
