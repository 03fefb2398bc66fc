package p2p

import (
	"context"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const topicPrefix = "runeswap/v1/"

// Libp2pNet is a gossipsub transport with one topic per channel key.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   []*pubsub.Subscription
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	net := &Libp2pNet{h: h, ps: ps, log: log, topics: make(map[string]*pubsub.Topic)}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// topic joins the topic for key once; pubsub refuses a second Join.
func (n *Libp2pNet) topic(key string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[key]; ok {
		return t, nil
	}
	t, err := n.ps.Join(topicPrefix + key)
	if err != nil {
		return nil, err
	}
	n.topics[key] = t
	return t, nil
}

func (n *Libp2pNet) Publish(ctx context.Context, key string, payload []byte) error {
	t, err := n.topic(key)
	if err != nil {
		return err
	}
	return t.Publish(ctx, payload)
}

func (n *Libp2pNet) Listen(ctx context.Context, key string, deliver func([]byte)) error {
	t, err := n.topic(key)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == n.h.ID() {
				continue
			}
			deliver(msg.Data)
		}
	}()
	n.log.Infow("libp2p_listening", "topic", topicPrefix+key)
	return nil
}

func (n *Libp2pNet) Close() error {
	n.mu.Lock()
	for _, s := range n.subs {
		s.Cancel()
	}
	for _, t := range n.topics {
		_ = t.Close()
	}
	n.subs, n.topics = nil, map[string]*pubsub.Topic{}
	n.mu.Unlock()
	return n.h.Close()
}
